package models

// QuizUsage tracks capture resource consumption for a quiz
type QuizUsage struct {
	QuizID         int64 `json:"quizId"`
	ActiveSessions int   `json:"activeSessions"`
	MaxSessions    int   `json:"maxSessions"`
	TotalSessions  int   `json:"totalSessions"`
	Uploaded       int64 `json:"uploaded"`
	Failed         int64 `json:"failed"`
}
