// Package notify fans auction lifecycle notices out to the notifications
// topic, one event per recipient. Downstream delivery (push, email) consumes
// from there.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/team-noonchissaum/IgLoo-sub001/libs/kafka"
	"github.com/team-noonchissaum/IgLoo-sub001/services/auction/internal/storage"
)

const (
	EventTypeAuctionImminent = "auction.imminent"
	EventTypeAuctionClosed   = "auction.closed"
)

type AuctionImminentEvent struct {
	kafka.Envelope
	UserID      string `json:"user_id"`
	AuctionID   string `json:"auction_id"`
	Title       string `json:"title"`
	EndTime     string `json:"end_time"`
	MinutesLeft int    `json:"minutes_left"`
}

type AuctionClosedEvent struct {
	kafka.Envelope
	UserID     string `json:"user_id"`
	AuctionID  string `json:"auction_id"`
	Title      string `json:"title"`
	Status     string `json:"status"`
	WinnerID   string `json:"winner_id,omitempty"`
	FinalPrice string `json:"final_price,omitempty"`
	OrderID    string `json:"order_id,omitempty"`
}

// Deduper claims one-shot notifications so restarts and extra scheduler
// instances do not double-send.
type Deduper interface {
	MarkImminentNotified(ctx context.Context, id uuid.UUID, ttl time.Duration) (bool, error)
}

// BidderLister resolves who has bid on an auction so far.
type BidderLister interface {
	ListBidders(ctx context.Context, auctionID uuid.UUID) ([]uuid.UUID, error)
}

type Notifier struct {
	publisher kafka.Publisher
	topic     string
	dedup     Deduper
	bidders   BidderLister
	logger    *slog.Logger
}

func NewNotifier(publisher kafka.Publisher, topic string, dedup Deduper, bidders BidderLister, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		publisher: publisher,
		topic:     topic,
		dedup:     dedup,
		bidders:   bidders,
		logger:    logger,
	}
}

// NotifyImminent tells the seller and everyone who has bid that the auction
// closes soon. Sent at most once per auction.
func (n *Notifier) NotifyImminent(ctx context.Context, auction storage.Auction) error {
	first, err := n.dedup.MarkImminentNotified(ctx, auction.ID, 24*time.Hour)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}

	recipients, err := n.imminentRecipients(ctx, auction)
	if err != nil {
		return err
	}

	for _, userID := range recipients {
		envelope, err := kafka.NewEnvelopeWithID(
			kafka.DeterministicEventID("imminent", auction.ID.String(), userID.String()),
			EventTypeAuctionImminent, 1, auction.ID.String())
		if err != nil {
			return err
		}
		evt := AuctionImminentEvent{
			Envelope:    envelope,
			UserID:      userID.String(),
			AuctionID:   auction.ID.String(),
			Title:       auction.Title,
			EndTime:     auction.EndTime.UTC().Format(time.RFC3339Nano),
			MinutesLeft: auction.ImminentMinutes,
		}
		if _, _, err := n.publisher.PublishJSON(ctx, n.topic, userID.String(), evt); err != nil {
			return err
		}
	}
	n.logger.Info("imminent notices sent", "auction_id", auction.ID,
		"recipients", len(recipients), "minutes_left", auction.ImminentMinutes)
	return nil
}

func (n *Notifier) imminentRecipients(ctx context.Context, auction storage.Auction) ([]uuid.UUID, error) {
	recipients := []uuid.UUID{auction.SellerID}
	bidders, err := n.bidders.ListBidders(ctx, auction.ID)
	if err != nil {
		return nil, err
	}
	for _, bidder := range bidders {
		if bidder != auction.SellerID {
			recipients = append(recipients, bidder)
		}
	}
	return recipients, nil
}

// NotifyClosed tells the seller, and the winner when there is one, that the
// auction reached a terminal state.
func (n *Notifier) NotifyClosed(ctx context.Context, finalized storage.FinalizedAuction) error {
	auction := finalized.Auction
	recipients := []uuid.UUID{auction.SellerID}
	if auction.Status == storage.AuctionStatusSuccess && auction.CurrentBidderID != nil {
		recipients = append(recipients, *auction.CurrentBidderID)
	}

	for _, userID := range recipients {
		envelope, err := kafka.NewEnvelopeWithID(
			kafka.DeterministicEventID("closed", auction.ID.String(), userID.String()),
			EventTypeAuctionClosed, 1, auction.ID.String())
		if err != nil {
			return err
		}
		evt := AuctionClosedEvent{
			Envelope:  envelope,
			UserID:    userID.String(),
			AuctionID: auction.ID.String(),
			Title:     auction.Title,
			Status:    auction.Status,
		}
		if auction.Status == storage.AuctionStatusSuccess && auction.CurrentBidderID != nil {
			evt.WinnerID = auction.CurrentBidderID.String()
			evt.FinalPrice = auction.CurrentPrice.String()
		}
		if finalized.Order != nil {
			evt.OrderID = finalized.Order.ID.String()
		}
		if _, _, err := n.publisher.PublishJSON(ctx, n.topic, userID.String(), evt); err != nil {
			return err
		}
	}
	return nil
}
