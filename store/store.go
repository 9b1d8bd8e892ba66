// Package store provides the hub's transactional storage: one logical State
// document behind a Backend that executes read snapshots and atomic
// mutations. Three backends exist (in-memory, single-writer file, and Redis
// with optimistic concurrency), all honoring the same contract: a mutator
// either commits in full or, if it returns an error, leaves nothing behind.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/scpnetwork/scp-go/scp"
)

// LedgerMax caps each payee's ledger; appends beyond it trim the oldest
// entries.
const LedgerMax = 10000

// ErrTxConflict is returned by the Redis backend when the compare-and-swap
// loop exhausts its retry budget. Callers may retry the whole operation.
var ErrTxConflict = scp.NewError(scp.CodeTxConflict, http.StatusConflict, true,
	"storage transaction conflict: retries exhausted")

// State is the hub's entire logical store. Secondary indexes live beside the
// primary maps and are only ever written inside the same transaction, so
// they cannot disagree with the records they point at.
type State struct {
	Quotes              map[string]*scp.QuoteRecord   `json:"quotes"`
	Payments            map[string]*scp.Payment       `json:"payments"`
	PaymentsByTicketID  map[string]string             `json:"paymentsByTicketId"`
	PaymentIDsByChannel map[string]map[string]bool    `json:"paymentIdsByChannel"`
	PaymentIDsByPayee   map[string]map[string]bool    `json:"paymentIdsByPayee"`
	Channels            map[string]*scp.ChannelRecord `json:"channels"`
	HubChannels         map[string]*scp.HubChannel    `json:"hubChannels"`
	PayeeLedger         map[string][]*scp.LedgerEntry `json:"payeeLedger"`
	Settlements         map[string]*scp.Settlement    `json:"settlements"`
	SettlementsByIdem   map[string]string             `json:"settlementsByIdempotency"`
	Webhooks            map[string]*scp.Webhook       `json:"webhooks"`
	NextSeq             int64                         `json:"nextSeq"`
}

// NewState returns an empty state with every map allocated.
func NewState() *State {
	return &State{
		Quotes:              map[string]*scp.QuoteRecord{},
		Payments:            map[string]*scp.Payment{},
		PaymentsByTicketID:  map[string]string{},
		PaymentIDsByChannel: map[string]map[string]bool{},
		PaymentIDsByPayee:   map[string]map[string]bool{},
		Channels:            map[string]*scp.ChannelRecord{},
		HubChannels:         map[string]*scp.HubChannel{},
		PayeeLedger:         map[string][]*scp.LedgerEntry{},
		Settlements:         map[string]*scp.Settlement{},
		SettlementsByIdem:   map[string]string{},
		Webhooks:            map[string]*scp.Webhook{},
		NextSeq:             1,
	}
}

// normalize re-allocates any maps a decoder left nil.
func (s *State) normalize() {
	if s.Quotes == nil {
		s.Quotes = map[string]*scp.QuoteRecord{}
	}
	if s.Payments == nil {
		s.Payments = map[string]*scp.Payment{}
	}
	if s.PaymentsByTicketID == nil {
		s.PaymentsByTicketID = map[string]string{}
	}
	if s.PaymentIDsByChannel == nil {
		s.PaymentIDsByChannel = map[string]map[string]bool{}
	}
	if s.PaymentIDsByPayee == nil {
		s.PaymentIDsByPayee = map[string]map[string]bool{}
	}
	if s.Channels == nil {
		s.Channels = map[string]*scp.ChannelRecord{}
	}
	if s.HubChannels == nil {
		s.HubChannels = map[string]*scp.HubChannel{}
	}
	if s.PayeeLedger == nil {
		s.PayeeLedger = map[string][]*scp.LedgerEntry{}
	}
	if s.Settlements == nil {
		s.Settlements = map[string]*scp.Settlement{}
	}
	if s.SettlementsByIdem == nil {
		s.SettlementsByIdem = map[string]string{}
	}
	if s.Webhooks == nil {
		s.Webhooks = map[string]*scp.Webhook{}
	}
	if s.NextSeq < 1 {
		s.NextSeq = 1
	}
}

// Clone deep-copies the state through its JSON form.
func (s *State) Clone() (*State, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("cloning state: %w", err)
	}
	return decodeState(raw)
}

func decodeState(raw []byte) (*State, error) {
	if len(raw) == 0 {
		return NewState(), nil
	}
	st := &State{}
	if err := json.Unmarshal(raw, st); err != nil {
		return nil, fmt.Errorf("decoding state: %w", err)
	}
	st.normalize()
	return st, nil
}

// IndexIssuedPayment writes the three secondary indexes for an issued
// payment. Call only from inside the transaction that writes the payment.
func (s *State) IndexIssuedPayment(p *scp.Payment) {
	if p.PaymentID == "" || p.TicketID == "" || p.ChannelID == "" || p.Payee == "" {
		return
	}
	payee := strings.ToLower(p.Payee)
	s.PaymentsByTicketID[p.TicketID] = p.PaymentID
	if s.PaymentIDsByChannel[p.ChannelID] == nil {
		s.PaymentIDsByChannel[p.ChannelID] = map[string]bool{}
	}
	s.PaymentIDsByChannel[p.ChannelID][p.PaymentID] = true
	if s.PaymentIDsByPayee[payee] == nil {
		s.PaymentIDsByPayee[payee] = map[string]bool{}
	}
	s.PaymentIDsByPayee[payee][p.PaymentID] = true
}

// AppendLedger appends an entry to a payee's ledger, trimming to the newest
// LedgerMax entries. Call only from inside a transaction.
func (s *State) AppendLedger(payee string, entry *scp.LedgerEntry) {
	key := strings.ToLower(payee)
	entries := append(s.PayeeLedger[key], entry)
	if len(entries) > LedgerMax {
		entries = entries[len(entries)-LedgerMax:]
	}
	s.PayeeLedger[key] = entries
}

// Ledger returns a payee's ledger slice.
func (s *State) Ledger(payee string) []*scp.LedgerEntry {
	return s.PayeeLedger[strings.ToLower(payee)]
}

// Backend is the transactional contract every storage implementation
// honors. View runs fn against a consistent read snapshot; fn must not
// mutate. Tx runs fn against the freshest state and commits atomically iff
// fn returns nil. Shared reports whether the backend can safely serve
// multiple hub processes.
type Backend interface {
	View(ctx context.Context, fn func(*State) error) error
	Tx(ctx context.Context, fn func(*State) error) error
	Shared() bool
	Close() error
}

// Config selects exactly one backend, resolved once by Open. Precedence:
// RedisClient, RedisURL, Path, then in-memory.
type Config struct {
	Memory      bool
	Path        string
	RedisURL    string
	RedisClient *redis.Client
}

// Storage wraps a Backend with typed helpers for the hub's records.
type Storage struct {
	backend Backend
}

// Open resolves the config into a concrete backend.
func Open(cfg Config) (*Storage, error) {
	switch {
	case cfg.RedisClient != nil:
		return &Storage{backend: NewRedisBackend(cfg.RedisClient)}, nil
	case cfg.RedisURL != "":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		return &Storage{backend: NewRedisBackend(redis.NewClient(opts))}, nil
	case cfg.Path != "":
		b, err := NewFileBackend(cfg.Path)
		if err != nil {
			return nil, err
		}
		return &Storage{backend: b}, nil
	default:
		return &Storage{backend: NewMemoryBackend()}, nil
	}
}

// NewStorage wraps an existing backend.
func NewStorage(b Backend) *Storage { return &Storage{backend: b} }

// Tx runs fn atomically against the freshest state.
func (s *Storage) Tx(ctx context.Context, fn func(*State) error) error {
	return s.backend.Tx(ctx, fn)
}

// View runs fn against a read snapshot.
func (s *Storage) View(ctx context.Context, fn func(*State) error) error {
	return s.backend.View(ctx, fn)
}

// Shared reports whether multiple hub workers may share this backend.
func (s *Storage) Shared() bool { return s.backend.Shared() }

// Close releases backend resources.
func (s *Storage) Close() error { return s.backend.Close() }

// GetPayment returns a copy of the payment, or nil when absent.
func (s *Storage) GetPayment(ctx context.Context, paymentID string) (*scp.Payment, error) {
	var out *scp.Payment
	err := s.View(ctx, func(st *State) error {
		if p := st.Payments[paymentID]; p != nil {
			cp := *p
			out = &cp
		}
		return nil
	})
	return out, err
}

// GetQuote returns a copy of the stored quote record, or nil when absent.
func (s *Storage) GetQuote(ctx context.Context, key string) (*scp.QuoteRecord, error) {
	var out *scp.QuoteRecord
	err := s.View(ctx, func(st *State) error {
		if q := st.Quotes[key]; q != nil {
			cp := *q
			out = &cp
		}
		return nil
	})
	return out, err
}

// GetChannel returns a copy of the channel record, or nil when absent.
func (s *Storage) GetChannel(ctx context.Context, channelID string) (*scp.ChannelRecord, error) {
	var out *scp.ChannelRecord
	err := s.View(ctx, func(st *State) error {
		if ch := st.Channels[channelID]; ch != nil {
			cp := *ch
			if ch.LatestState != nil {
				state := *ch.LatestState
				cp.LatestState = &state
			}
			out = &cp
		}
		return nil
	})
	return out, err
}

// GetHubChannel returns a copy of the hub↔payee channel, or nil when absent.
func (s *Storage) GetHubChannel(ctx context.Context, payee string) (*scp.HubChannel, error) {
	var out *scp.HubChannel
	err := s.View(ctx, func(st *State) error {
		if hc := st.HubChannels[strings.ToLower(payee)]; hc != nil {
			cp := *hc
			if hc.LatestState != nil {
				state := *hc.LatestState
				cp.LatestState = &state
			}
			out = &cp
		}
		return nil
	})
	return out, err
}

// PaymentByTicketID resolves a ticket id through the secondary index.
func (s *Storage) PaymentByTicketID(ctx context.Context, ticketID string) (*scp.Payment, error) {
	var out *scp.Payment
	err := s.View(ctx, func(st *State) error {
		paymentID, ok := st.PaymentsByTicketID[ticketID]
		if !ok {
			return nil
		}
		if p := st.Payments[paymentID]; p != nil {
			cp := *p
			out = &cp
		}
		return nil
	})
	return out, err
}

// ListPaymentsByChannel returns copies of all payments indexed under a
// channel.
func (s *Storage) ListPaymentsByChannel(ctx context.Context, channelID string) ([]*scp.Payment, error) {
	var out []*scp.Payment
	err := s.View(ctx, func(st *State) error {
		for paymentID := range st.PaymentIDsByChannel[channelID] {
			if p := st.Payments[paymentID]; p != nil {
				cp := *p
				out = append(out, &cp)
			}
		}
		return nil
	})
	return out, err
}

// ListPaymentsByPayee returns copies of all payments indexed under a payee.
func (s *Storage) ListPaymentsByPayee(ctx context.Context, payee string) ([]*scp.Payment, error) {
	var out []*scp.Payment
	err := s.View(ctx, func(st *State) error {
		for paymentID := range st.PaymentIDsByPayee[strings.ToLower(payee)] {
			if p := st.Payments[paymentID]; p != nil {
				cp := *p
				out = append(out, &cp)
			}
		}
		return nil
	})
	return out, err
}

// ListPayments returns copies of every payment record.
func (s *Storage) ListPayments(ctx context.Context) ([]*scp.Payment, error) {
	var out []*scp.Payment
	err := s.View(ctx, func(st *State) error {
		for _, p := range st.Payments {
			cp := *p
			out = append(out, &cp)
		}
		return nil
	})
	return out, err
}

// Ledger returns a copy of a payee's ledger.
func (s *Storage) Ledger(ctx context.Context, payee string) ([]*scp.LedgerEntry, error) {
	var out []*scp.LedgerEntry
	err := s.View(ctx, func(st *State) error {
		for _, e := range st.Ledger(payee) {
			cp := *e
			out = append(out, &cp)
		}
		return nil
	})
	return out, err
}
