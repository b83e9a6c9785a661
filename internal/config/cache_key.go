package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// CandidateDraftKey returns the key holding a candidate's in-progress answers for one attempt
func (r *CacheKeyStruct) CandidateDraftKey(examID, candidateID string) string {
	return fmt.Sprintf("candidate:%s:exam:%s:draft", candidateID, examID)
}

// ExamDefinitionKey returns the key holding an exam definition as JSON
func (r *CacheKeyStruct) ExamDefinitionKey(examID string) string {
	return fmt.Sprintf("exam:%s:definition", examID)
}

// ExamIndexKey returns the set of every exam id loaded into the rehearsal store
func (r *CacheKeyStruct) ExamIndexKey() string {
	return "exams:index"
}

// ExamSubmissionsKey returns the hash of candidate id to submission record
func (r *CacheKeyStruct) ExamSubmissionsKey(examID string) string {
	return fmt.Sprintf("exam:%s:submissions", examID)
}

// ExamRelayChannel returns the Redis PubSub channel name relaying realtime events for an exam
func (r *CacheKeyStruct) ExamRelayChannel(examID string) string {
	return fmt.Sprintf("exam:%s:relay", examID)
}

// ExamActivityKey returns the hash tallying candidate presence for an exam
func (r *CacheKeyStruct) ExamActivityKey(examID string) string {
	return fmt.Sprintf("exam:%s:activity", examID)
}

var CacheKey = NewCacheKeyStruct()
