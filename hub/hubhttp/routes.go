package hubhttp

import (
	"net/http"
	"strings"

	"github.com/scpnetwork/scp-go/hub"
	"github.com/scpnetwork/scp-go/scp"
	"github.com/scpnetwork/scp-go/webhook"
)

func (h *handler) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, h.hub.Info())
}

func (h *handler) handleQuote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	raw, err := readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req hub.QuoteRequest
	if err := decodeBody(raw, &req); err != nil {
		writeError(w, err)
		return
	}
	quote, err := h.hub.Quote(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (h *handler) handleIssue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	raw, err := readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req hub.IssueRequest
	if err := decodeBody(raw, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := h.hub.Issue(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handleRefund(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	raw, err := readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req hub.RefundRequest
	if err := decodeBody(raw, &req); err != nil {
		writeError(w, err)
		return
	}
	// Resolve the target first so the refund authenticates as the payee
	// the ticket was issued to.
	target, err := h.hub.RefundTarget(r.Context(), req.TicketID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !h.requirePayeeAuth(w, r, target.Payee, raw) {
		return
	}
	resp, err := h.hub.Refund(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handlePayment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	paymentID := strings.TrimPrefix(r.URL.Path, "/v1/payments/")
	payment, err := h.hub.GetPayment(r.Context(), paymentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

func (h *handler) handleChannel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	channelID := strings.TrimPrefix(r.URL.Path, "/v1/channels/")
	view, err := h.hub.GetChannelView(r.Context(), channelID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *handler) handleAgentSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	summary, err := h.hub.AgentSummaryFor(r.Context(), r.URL.Query().Get("channelId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *handler) handleAgentReceipts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	page, err := h.hub.AgentReceipts(r.Context(), hub.ReceiptsQuery{
		ChannelID: r.URL.Query().Get("channelId"),
		Payee:     r.URL.Query().Get("payee"),
		Since:     queryInt(r, "since", 0),
		Limit:     int(queryInt(r, "limit", 0)),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *handler) handlePayeeInbox(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	page, err := h.hub.PayeeInbox(r.Context(),
		r.URL.Query().Get("payee"), queryInt(r, "since", 0), int(queryInt(r, "limit", 0)))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *handler) handlePayeeBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	balance, err := h.hub.PayeeBalanceFor(r.Context(), r.URL.Query().Get("payee"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

func (h *handler) handlePayeeReceipts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	page, err := h.hub.PayeeReceipts(r.Context(), hub.PayeeReceiptsQuery{
		Payee:  r.URL.Query().Get("payee"),
		Since:  queryInt(r, "since", 0),
		Status: r.URL.Query().Get("status"),
		Limit:  int(queryInt(r, "limit", 0)),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *handler) handlePayeeChannelState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	hc, err := h.hub.PayeeChannelState(r.Context(), r.URL.Query().Get("payee"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hc)
}

func (h *handler) handleSettle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	raw, err := readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req hub.SettleRequest
	if err := decodeBody(raw, &req); err != nil {
		writeError(w, err)
		return
	}
	if !scp.IsHexAddress(req.Payee) {
		writeError(w, scp.ErrValidation("payee must be 0x address"))
		return
	}
	if !h.requirePayeeAuth(w, r, req.Payee, raw) {
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	resp, err := h.hub.Settle(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handleOpenPayeeChannel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	raw, err := readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req hub.OpenPayeeChannelRequest
	if err := decodeBody(raw, &req); err != nil {
		writeError(w, err)
		return
	}
	if !scp.IsHexAddress(req.Payee) {
		writeError(w, scp.ErrValidation("payee must be 0x address"))
		return
	}
	if !h.requirePayeeAuth(w, r, req.Payee, raw) {
		return
	}
	result, err := h.hub.OpenPayeeChannel(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) handleRegisterPayeeChannel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	raw, err := readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req hub.RegisterPayeeChannelRequest
	if err := decodeBody(raw, &req); err != nil {
		writeError(w, err)
		return
	}
	if !scp.IsHexAddress(req.Payee) {
		writeError(w, scp.ErrValidation("payee and channelId required"))
		return
	}
	if !h.requirePayeeAuth(w, r, req.Payee, raw) {
		return
	}
	result, err := h.hub.RegisterPayeeChannel(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type webhookRequest struct {
	URL       string   `json:"url"`
	Events    []string `json:"events"`
	ChannelID string   `json:"channelId"`
	Secret    string   `json:"secret"`
	Status    string   `json:"status"`
}

// registeredWebhook is the registration response: the only place the secret
// is ever returned.
type registeredWebhook struct {
	WebhookID string `json:"webhookId"`
	Status    string `json:"status"`
	Secret    string `json:"secret"`
}

func (h *handler) handleWebhooks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !h.requireAdmin(w, r) {
		return
	}
	raw, err := readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req webhookRequest
	if err := decodeBody(raw, &req); err != nil {
		writeError(w, err)
		return
	}
	hook, err := h.hooks.Register(req.URL, req.Events, req.ChannelID, req.Secret)
	if err != nil {
		writeError(w, err)
		return
	}
	logf(h.logW, "hubhttp: registered webhook %s for channel %s", hook.ID, hook.ChannelID)
	writeJSON(w, http.StatusCreated, registeredWebhook{
		WebhookID: hook.ID,
		Status:    hook.Status,
		Secret:    hook.Secret,
	})
}

func (h *handler) handleWebhookByID(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	webhookID := strings.TrimPrefix(r.URL.Path, "/v1/webhooks/")
	switch r.Method {
	case http.MethodGet:
		hook := h.hooks.Get(webhookID)
		if hook == nil {
			writeError(w, scp.ErrNotFound(scp.CodePolicyViolation, "webhook not found"))
			return
		}
		writeJSON(w, http.StatusOK, hook)
	case http.MethodPatch:
		raw, err := readBody(w, r)
		if err != nil {
			writeError(w, err)
			return
		}
		var req webhookRequest
		if err := decodeBody(raw, &req); err != nil {
			writeError(w, err)
			return
		}
		hook, err := h.hooks.Update(webhookID, webhook.Patch{
			URL:    req.URL,
			Events: req.Events,
			Secret: req.Secret,
			Status: req.Status,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, hook)
	case http.MethodDelete:
		if !h.hooks.Remove(webhookID) {
			writeError(w, scp.ErrNotFound(scp.CodePolicyViolation, "webhook not found"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
	default:
		methodNotAllowed(w)
	}
}

type emitRequest struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

func (h *handler) handleEmitEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !h.requireAdmin(w, r) {
		return
	}
	raw, err := readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req emitRequest
	if err := decodeBody(raw, &req); err != nil {
		writeError(w, err)
		return
	}
	valid := false
	for _, ev := range webhook.AllEvents {
		if ev == req.Event {
			valid = true
			break
		}
	}
	if !valid {
		writeError(w, scp.ErrValidation("invalid event type"))
		return
	}
	data := req.Data
	if data == nil {
		data = map[string]any{}
	}
	entry := h.hooks.Emit(req.Event, data)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "seq": entry.Seq})
}

func (h *handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if !h.requireAdmin(w, r) {
		return
	}
	channelID := r.URL.Query().Get("channelId")
	if channelID == "" {
		channelID = r.URL.Query().Get("channel")
	}
	page := h.hooks.Poll(queryInt(r, "since", 0), channelID, int(queryInt(r, "limit", 0)))
	writeJSON(w, http.StatusOK, page)
}
