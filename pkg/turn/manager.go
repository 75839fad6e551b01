package turn

type State int

const (
	StateIdle State = iota
	StateListeningUser
	StateThinkingAssistant
	StateSpeakingAssistant
	StateInterrupted
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListeningUser:
		return "LISTENING_USER"
	case StateThinkingAssistant:
		return "THINKING_ASSISTANT"
	case StateSpeakingAssistant:
		return "SPEAKING_ASSISTANT"
	case StateInterrupted:
		return "INTERRUPTED"
	default:
		return "UNKNOWN"
	}
}

// Transition reasons.
const (
	ReasonParticipantJoined  = "participant_joined"
	ReasonFinalTranscript    = "final_transcript"
	ReasonSay                = "say"
	ReasonFirstAudio         = "first_audio"
	ReasonUtteranceCompleted = "utterance_completed"
	ReasonBargeIn            = "barge_in"
	ReasonCancelAcknowledged = "cancel_acknowledged"
	ReasonRecovery           = "recovery"
	ReasonSynthesisFailed    = "synthesis_failed"
	ReasonShutdown           = "shutdown"
)
