package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/scpnetwork/scp-go/scp"
	"github.com/scpnetwork/scp-go/sign"
)

// Options configures a full verification: offline checks plus replay,
// invoice, and hub confirmation.
type Options struct {
	Domain *sign.Domain
	Payee  string
	Amount string
	Asset  string

	// Hub pins the expected ticket signer. When empty and HubURL is set,
	// the hub's address is discovered from its capability document.
	Hub string
	// HubURL enables live confirmation of hub-routed payments.
	HubURL string

	HTTPClient *http.Client
	Invoices   InvoiceLookup
	Replays    *ReplayCache
	Channels   *ChannelTracker
}

// VerifyPaymentFull runs the complete payee-side check: scheme dispatch,
// offline verification, invoice match, replay detection, and for hub-routed
// payments a live confirmation that the hub still records the payment as
// issued under the same ticket.
func VerifyPaymentFull(ctx context.Context, header string, opts Options) (*Result, error) {
	payload, err := scp.ParsePaymentHeader(header)
	if err != nil {
		return nil, fmt.Errorf("missing or invalid header")
	}

	if payload.Scheme == scp.SchemeDirect {
		res, err := VerifyDirectPayment(opts.Domain, header, Expect{
			Payee:  opts.Payee,
			Amount: opts.Amount,
			Asset:  opts.Asset,
		}, opts.Channels)
		if err != nil {
			return nil, err
		}
		if err := checkInvoice(opts.Invoices, payload.InvoiceID, res.Direct.Amount, res.Direct.Asset); err != nil {
			return nil, err
		}
		if opts.Replays != nil {
			if resp, ok := opts.Replays.Get(res.PaymentID); ok {
				res.Replayed = true
				res.Response = resp
			}
		}
		return res, nil
	}

	hub := opts.Hub
	if hub == "" && opts.HubURL != "" {
		info, err := fetchHubInfo(ctx, httpClientOr(opts.HTTPClient), opts.HubURL)
		if err != nil {
			return nil, fmt.Errorf("hub metadata unavailable")
		}
		hub = info.Address
	}

	res, err := VerifyPayment(opts.Domain, header, Expect{
		Hub:    hub,
		Payee:  opts.Payee,
		Amount: opts.Amount,
	})
	if err != nil {
		return nil, err
	}
	if err := checkInvoice(opts.Invoices, res.Ticket.InvoiceID, res.Ticket.Amount, res.Ticket.Asset); err != nil {
		return nil, err
	}
	if opts.Replays != nil {
		if resp, ok := opts.Replays.Get(res.PaymentID); ok {
			res.Replayed = true
			res.Response = resp
			return res, nil
		}
	}

	if opts.HubURL != "" {
		if err := confirmWithHub(ctx, httpClientOr(opts.HTTPClient), opts.HubURL, res.PaymentID, res.Ticket.TicketID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func confirmWithHub(ctx context.Context, client *http.Client, hubURL, paymentID, ticketID string) error {
	var payment scp.Payment
	status, err := getJSON(ctx, client, hubURL+"/v1/payments/"+url.PathEscape(paymentID), &payment)
	if err != nil || status != http.StatusOK {
		return fmt.Errorf("hub payment unknown")
	}
	if payment.Status != scp.PaymentIssued {
		return fmt.Errorf("hub payment not issued")
	}
	if payment.TicketID != ticketID {
		return fmt.Errorf("ticket id mismatch at hub")
	}
	return nil
}

func fetchHubInfo(ctx context.Context, client *http.Client, hubURL string) (*scp.HubInfo, error) {
	var info scp.HubInfo
	status, err := getJSON(ctx, client, hubURL+"/.well-known/x402", &info)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK || info.Address == "" {
		return nil, fmt.Errorf("hub metadata unavailable")
	}
	return &info, nil
}

func getJSON(ctx context.Context, client *http.Client, rawURL string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode == http.StatusOK {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func httpClientOr(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// VerifierConfig configures a stateful Verifier.
type VerifierConfig struct {
	Domain *sign.Domain
	Payee  string

	// HubURL for a single hub, or Hubs for several. Hub pins an address
	// for HubURL without a discovery round-trip.
	Hub    string
	HubURL string
	Hubs   []string

	// SkipHubConfirm disables the live hub confirmation step.
	SkipHubConfirm bool

	HTTPClient *http.Client
	Replays    *ReplayCache
	Channels   *ChannelTracker
}

// Verifier is a stateful payment verifier owning its replay cache, direct
// channel tracker, and hub address cache. It is safe for concurrent use.
type Verifier struct {
	domain  *sign.Domain
	payee   string
	client  *http.Client
	replays *ReplayCache
	tracker *ChannelTracker
	confirm bool

	hubURLs []string
	mu      sync.Mutex
	hubMap  map[string]string // lowercase address -> url
}

// NewVerifier builds a Verifier. Hub addresses are resolved from their
// capability documents lazily on first use.
func NewVerifier(cfg VerifierConfig) *Verifier {
	v := &Verifier{
		domain:  cfg.Domain,
		payee:   cfg.Payee,
		client:  httpClientOr(cfg.HTTPClient),
		replays: cfg.Replays,
		tracker: cfg.Channels,
		confirm: !cfg.SkipHubConfirm,
		hubMap:  make(map[string]string),
	}
	if v.replays == nil {
		v.replays = NewReplayCache()
	}
	if v.tracker == nil {
		v.tracker = NewChannelTracker()
	}
	if cfg.Hub != "" && cfg.HubURL != "" {
		v.hubMap[strings.ToLower(cfg.Hub)] = cfg.HubURL
	}
	v.hubURLs = cfg.Hubs
	if len(v.hubURLs) == 0 && cfg.HubURL != "" {
		v.hubURLs = []string{cfg.HubURL}
	}
	return v
}

// Replays exposes the verifier's replay cache so handlers can record the
// response they serve for each payment.
func (v *Verifier) Replays() *ReplayCache { return v.replays }

// resolveHubs discovers addresses for any hub URLs not yet in the cache.
func (v *Verifier) resolveHubs(ctx context.Context) {
	v.mu.Lock()
	known := make(map[string]bool, len(v.hubMap))
	for _, u := range v.hubMap {
		known[u] = true
	}
	var missing []string
	for _, u := range v.hubURLs {
		if !known[u] {
			missing = append(missing, u)
		}
	}
	v.mu.Unlock()

	for _, u := range missing {
		info, err := fetchHubInfo(ctx, v.client, u)
		if err != nil {
			continue
		}
		v.mu.Lock()
		v.hubMap[strings.ToLower(info.Address)] = u
		v.mu.Unlock()
	}
}

func (v *Verifier) hubURLFor(addr string) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.hubMap[strings.ToLower(addr)]
}

// Verify checks one payment header against the payee's invoices. Direct
// payments verify offline; hub-routed payments match the ticket signer to a
// known hub and, unless disabled, confirm the payment with that hub.
func (v *Verifier) Verify(ctx context.Context, header string, invoices InvoiceLookup) (*Result, error) {
	payload, err := scp.ParsePaymentHeader(header)
	if err != nil {
		return nil, fmt.Errorf("missing or invalid header")
	}
	if payload.Scheme == scp.SchemeDirect {
		return VerifyPaymentFull(ctx, header, Options{
			Domain:   v.domain,
			Payee:    v.payee,
			Invoices: invoices,
			Replays:  v.replays,
			Channels: v.tracker,
		})
	}

	v.resolveHubs(ctx)

	// Match the ticket signer against the known hubs before trusting it.
	quick, err := VerifyPayment(v.domain, header, Expect{Payee: v.payee})
	if err == nil {
		if matched := v.hubURLFor(quick.Signer); matched != "" {
			return VerifyPaymentFull(ctx, header, Options{
				Domain:   v.domain,
				Payee:    v.payee,
				Hub:      quick.Signer,
				HubURL:   v.confirmURL(matched),
				Invoices: invoices,
				Replays:  v.replays,
				Channels: v.tracker,
			})
		}
	}

	// Fall back to the first configured hub.
	var fallbackURL string
	if len(v.hubURLs) > 0 {
		fallbackURL = v.hubURLs[0]
	}
	var fallbackAddr string
	v.mu.Lock()
	if len(v.hubMap) == 1 {
		for addr := range v.hubMap {
			fallbackAddr = addr
		}
	}
	v.mu.Unlock()
	return VerifyPaymentFull(ctx, header, Options{
		Domain:   v.domain,
		Payee:    v.payee,
		Hub:      fallbackAddr,
		HubURL:   v.confirmURL(fallbackURL),
		Invoices: invoices,
		Replays:  v.replays,
		Channels: v.tracker,
	})
}

func (v *Verifier) confirmURL(u string) string {
	if !v.confirm {
		return ""
	}
	return u
}

func nowSec() int64 { return time.Now().Unix() }
