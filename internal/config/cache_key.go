package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// DraftKey returns the cache key for the in-progress draft of a quiz.
// Scoped stores prefix quizID with the user, so one user's attempts of a quiz share it.
func (r *CacheKeyStruct) DraftKey(quizID string) string {
	return fmt.Sprintf("exam_autosave:%s", quizID)
}

// AttemptMonitorChannel returns the Redis PubSub channel carrying an attempt's accepted events
func (r *CacheKeyStruct) AttemptMonitorChannel(attemptID string) string {
	return fmt.Sprintf("attempt:%s:monitor", attemptID)
}

var CacheKey = NewCacheKeyStruct()
