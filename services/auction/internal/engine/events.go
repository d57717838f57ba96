package engine

import "github.com/team-noonchissaum/IgLoo-sub001/libs/kafka"

// EventTypeBidAccepted identifies a fast-path accepted bid awaiting its
// durable write-back.
const EventTypeBidAccepted = "auction.bid.accepted"

type BidAcceptedEvent struct {
	kafka.Envelope
	RequestID        string `json:"request_id"`
	AuctionID        string `json:"auction_id"`
	BidderID         string `json:"bidder_id"`
	Amount           string `json:"amount"`
	PreviousBidderID string `json:"previous_bidder_id,omitempty"`
	RefundAmount     string `json:"refund_amount,omitempty"`
	NewEndTime       string `json:"new_end_time,omitempty"`
	AcceptedAt       string `json:"accepted_at"`
}
