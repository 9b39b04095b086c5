package network

import "context"

// signalingSeparator joins offerer and target ids in signaling keys.
const signalingSeparator = "|"

// Signaler exchanges WebRTC session descriptions between a follower and the
// host. Signaling is vanilla ICE: candidates are gathered before the SDP is
// published, so one offer/answer round trip establishes the connection.
type Signaler interface {
	// PublishOffer publishes a complete SDP offer from local to target.
	PublishOffer(ctx context.Context, local, target, sdp string) error
	// PublishAnswer answers the offer offerer sent to local.
	PublishAnswer(ctx context.Context, offerer, local, sdp string) error
	// PollOffers returns offers directed at local that were not returned
	// before.
	PollOffers(ctx context.Context, local string) ([]SignalMessage, error)
	// PollAnswers returns answers to offers local made that were not
	// returned before.
	PollAnswers(ctx context.Context, local string) ([]SignalMessage, error)
}

// SignalMessage is one offer or answer.
type SignalMessage struct {
	// Peer is the other party: the offerer for offers, the answerer for
	// answers.
	Peer string `json:"peer"`
	SDP  string `json:"sdp"`
	// Timestamp is RFC 3339 with nanoseconds.
	Timestamp string `json:"timestamp"`
}

func signalKey(offerer, target string) string {
	return offerer + signalingSeparator + target
}
