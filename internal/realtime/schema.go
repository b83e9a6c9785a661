package realtime

import "encoding/json"

// Event names a realtime message. Every frame on the wire is an Envelope.
type Event string

// ─── Events (Candidate → Relay) ─────────────────────────────────────

const (
	EventJoinExam        Event = "join_exam"
	EventLeaveExam       Event = "leave_exam"
	EventStudentActivity Event = "student_activity"
	EventWebRTCReady     Event = "webrtc_ready"
	EventWebRTCSignal    Event = "webrtc_signal"
)

// ─── Events (Relay → Candidate) ─────────────────────────────────────

const (
	EventExamStarted       Event = "exam_started"
	EventExamClosed        Event = "exam_closed"
	EventExamDeleted       Event = "exam_deleted"
	EventStatusSyncRequest Event = "status_sync_request"
	EventError             Event = "error"
)

// Envelope wraps every frame. Data is decoded by the subscriber that owns the event.
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ActivityType is the presence signal carried by student_activity.
type ActivityType string

const (
	ActivityFocusLost   ActivityType = "FOCUS_LOST"
	ActivityFocusGained ActivityType = "FOCUS_GAINED"
	ActivityLeftExam    ActivityType = "LEFT_EXAM"
)

// JoinExam announces a candidate to the exam room.
type JoinExam struct {
	ExamID      string `json:"examId"`
	StudentID   string `json:"studentId"`
	StudentName string `json:"studentName"`
	Picture     string `json:"picture"`
}

// LeaveExam removes the candidate from the exam room.
type LeaveExam struct {
	ExamID string `json:"examId"`
	// StudentID is stamped by the relay before observers see the event.
	StudentID string `json:"studentId,omitempty"`
}

// StudentActivity reports a change in the candidate's attention.
type StudentActivity struct {
	ExamID      string       `json:"examId"`
	StudentID   string       `json:"studentId"`
	StudentName string       `json:"studentName"`
	Picture     string       `json:"picture"`
	EventType   ActivityType `json:"eventType"`
}

// WebRTCReady tells observers the candidate has a stream to offer on.
type WebRTCReady struct {
	ExamID    string `json:"examId"`
	StudentID string `json:"studentId"`
}

// WebRTCSignal carries one offer, answer or ICE candidate between two peers.
type WebRTCSignal struct {
	ExamID   string `json:"examId,omitempty"`
	TargetID string `json:"targetId"`
	FromID   string `json:"fromId"`
	Signal   Signal `json:"signal"`
}

// SignalType discriminates Signal.
type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
)

// Signal is the negotiation payload. SDP is set for offers and answers, Candidate for
// trickled ICE candidates.
type Signal struct {
	Type      SignalType    `json:"type"`
	SDP       string        `json:"sdp,omitempty"`
	Candidate *ICECandidate `json:"candidate,omitempty"`
}

// ICECandidate mirrors the browser RTCIceCandidateInit dictionary.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Control is the payload of exam_started, exam_closed, exam_deleted and
// status_sync_request.
type Control struct {
	ExamID string `json:"examId,omitempty"`
}

// ErrorMessage is sent by the relay when it rejects a frame.
type ErrorMessage struct {
	Error string `json:"error"`
}
