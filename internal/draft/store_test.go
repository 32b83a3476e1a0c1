package draft

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/proctor"
)

func sampleDraft() proctor.Draft {
	return proctor.Draft{
		Answers: map[string]proctor.AnswerRecord{
			"q1": {QuestionID: "q1", Value: "A", TimeSpentSeconds: 12},
			"q3": {QuestionID: "q3", Value: "because", MarkedForReview: true},
		},
		Flagged:              []string{"q3"},
		CurrentQuestionIndex: 2,
		RemainingSeconds:     431,
	}
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb, 0, zerolog.Nop()), mr
}

func TestStores(t *testing.T) {
	redisStore, _ := newRedisStore(t)

	stores := map[string]proctor.DraftStore{
		"redis":  redisStore,
		"memory": NewMemoryStore(),
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, ok := store.Load(ctx, "quiz-1")
			assert.False(t, ok)

			store.Save(ctx, "quiz-1", sampleDraft())
			got, ok := store.Load(ctx, "quiz-1")
			require.True(t, ok)
			assert.Equal(t, sampleDraft(), *got)

			next := sampleDraft()
			next.RemainingSeconds = 400
			store.Save(ctx, "quiz-1", next)
			got, ok = store.Load(ctx, "quiz-1")
			require.True(t, ok)
			assert.Equal(t, 400, got.RemainingSeconds)

			_, ok = store.Load(ctx, "quiz-2")
			assert.False(t, ok)

			store.Clear(ctx, "quiz-1")
			store.Clear(ctx, "quiz-1")
			_, ok = store.Load(ctx, "quiz-1")
			assert.False(t, ok)
		})
	}
}

func TestRedisStoreUsesNamespacedKey(t *testing.T) {
	store, mr := newRedisStore(t)

	store.Save(context.Background(), "quiz-7", sampleDraft())

	assert.True(t, mr.Exists("exam_autosave:quiz-7"))
}

func TestRedisStoreDiscardsCorruptDraft(t *testing.T) {
	store, mr := newRedisStore(t)
	require.NoError(t, mr.Set("exam_autosave:quiz-1", "{not json"))

	_, ok := store.Load(context.Background(), "quiz-1")
	assert.False(t, ok)
}

func TestRedisStoreSwallowsFailures(t *testing.T) {
	store, mr := newRedisStore(t)
	mr.Close()

	ctx := context.Background()
	assert.NotPanics(t, func() {
		store.Save(ctx, "quiz-1", sampleDraft())
		store.Clear(ctx, "quiz-1")
	})
	_, ok := store.Load(ctx, "quiz-1")
	assert.False(t, ok)
}

func TestScopedStoreSeparatesUsers(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	alice := Scoped(store, "alice")
	bob := Scoped(store, "bob")

	alice.Save(ctx, "quiz-1", sampleDraft())

	_, ok := bob.Load(ctx, "quiz-1")
	assert.False(t, ok)

	got, ok := alice.Load(ctx, "quiz-1")
	require.True(t, ok)
	assert.Equal(t, 431, got.RemainingSeconds)
	assert.True(t, mr.Exists("exam_autosave:alice:quiz-1"))

	alice.Clear(ctx, "quiz-1")
	assert.False(t, mr.Exists("exam_autosave:alice:quiz-1"))
}
