package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	coredomain "github.com/aradsms/sms_dispatch/internal/core_sms/domain"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

const (
	beemCodeSuccess = 100
	maxResponseSize = 1 << 20
)

type BeemConfig struct {
	BaseURL       string
	DLRURL        string
	APIKey        string
	SecretKey     string
	Timeout       time.Duration
	MaxRecipients int
	RatePerSecond float64
	Retry         RetryPolicy
}

// BeemGateway submits messages through the Beem Africa v1 SMS API.
type BeemGateway struct {
	logger     *slog.Logger
	httpClient *http.Client
	cfg        BeemConfig
	limiter    *rate.Limiter
}

func NewBeemGateway(logger *slog.Logger, cfg BeemConfig, httpClient *http.Client) *BeemGateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.MaxRecipients <= 0 {
		cfg.MaxRecipients = 100
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &BeemGateway{
		logger:     logger.With("provider", "beem"),
		httpClient: httpClient,
		cfg:        cfg,
		limiter:    rate.NewLimiter(limit, 1),
	}
}

type beemSendRequest struct {
	SourceAddr   string          `json:"source_addr"`
	ScheduleTime string          `json:"schedule_time"`
	Encoding     int             `json:"encoding"`
	Message      string          `json:"message"`
	Recipients   []beemRecipient `json:"recipients"`
}

type beemRecipient struct {
	RecipientID string `json:"recipient_id"`
	DestAddr    string `json:"dest_addr"`
}

type beemSendResponse struct {
	Successful bool   `json:"successful"`
	RequestID  int64  `json:"request_id"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Valid      int    `json:"valid"`
	Invalid    int    `json:"invalid"`
	Duplicates int    `json:"duplicates"`
	// Error responses nest the code under "data".
	Data *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"data,omitempty"`
}

func (r *beemSendResponse) code() (int, string) {
	if r.Code == 0 && r.Data != nil {
		return r.Data.Code, r.Data.Message
	}
	return r.Code, r.Message
}

type beemDeliveryReport struct {
	DestAddr  string      `json:"dest_addr"`
	RequestID json.Number `json:"request_id"`
	Status    string      `json:"status"`
}

type beemCallback struct {
	RequestID   json.Number `json:"request_id"`
	DestAddr    string      `json:"dest_addr"`
	RecipientID string      `json:"recipient_id"`
	Status      string      `json:"status"`
	Timestamp   string      `json:"timestamp"`
}

func (p *BeemGateway) Name() string { return "beem" }

func (p *BeemGateway) MaxRecipientsPerRequest() int { return p.cfg.MaxRecipients }

func (p *BeemGateway) SendBatch(ctx context.Context, sender string, subs []Submission) ([]SubmissionResult, error) {
	if sender == "" {
		return nil, coredomain.NewValidationError("sender", "must not be empty")
	}
	results := make([]SubmissionResult, len(subs))
	for i, s := range subs {
		results[i] = SubmissionResult{MessageID: s.MessageID, Recipient: s.Recipient}
	}

	for _, group := range groupByBody(subs) {
		info := Analyze(group.body)
		for _, items := range chunk(group.items, p.cfg.MaxRecipients) {
			var resp *beemSendResponse
			err := p.cfg.Retry.Do(ctx, func(ctx context.Context) error {
				var sendErr error
				resp, sendErr = p.sendChunk(ctx, sender, group.body, info.Encoding, subs, items)
				return sendErr
			})
			for _, idx := range items {
				if err != nil {
					results[idx].Err = err
					continue
				}
				results[idx].ProviderMessageID = FormatProviderMessageID(resp.RequestID, destAddr(subs[idx].Recipient))
			}
			if err == nil {
				segmentsSubmittedCounter.WithLabelValues(p.Name()).Add(float64(info.Segments * len(items)))
			}
		}
	}
	return results, nil
}

func (p *BeemGateway) sendChunk(ctx context.Context, sender, body string, enc coredomain.Encoding, subs []Submission, items []int) (*beemSendResponse, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, coredomain.NewTransientProviderError(coredomain.ProviderCodeRateLimited, "rate limiter wait aborted", 0, err)
	}

	req := beemSendRequest{
		SourceAddr: sender,
		Message:    body,
		Recipients: make([]beemRecipient, 0, len(items)),
	}
	if enc == coredomain.EncodingUCS2 {
		req.Encoding = 1
	}
	for _, idx := range items {
		req.Recipients = append(req.Recipients, beemRecipient{
			RecipientID: subs[idx].MessageID,
			DestAddr:    destAddr(subs[idx].Recipient),
		})
	}

	reqBytes, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request for Beem: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(p.cfg.BaseURL, "/")+"/send", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request for Beem: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(p.cfg.APIKey, p.cfg.SecretKey)

	timer := prometheus.NewTimer(providerRequestDurationHist.WithLabelValues(p.Name(), "send"))
	httpResp, err := p.httpClient.Do(httpReq)
	timer.ObserveDuration()
	if err != nil {
		providerRequestsCounter.WithLabelValues(p.Name(), "send", "transient").Inc()
		p.logger.WarnContext(ctx, "Beem send request failed", "error", err, "recipients", len(items))
		return nil, coredomain.NewTransientProviderError(coredomain.ProviderCodeNetwork, "request to Beem failed", 0, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		providerRequestsCounter.WithLabelValues(p.Name(), "send", "transient").Inc()
		return nil, coredomain.NewTransientProviderError(coredomain.ProviderCodeNetwork, "failed to read Beem response", httpResp.StatusCode, err)
	}
	p.logger.DebugContext(ctx, "Received HTTP response from Beem", "status_code", httpResp.StatusCode, "body", string(respBody))

	var resp beemSendResponse
	parseErr := json.Unmarshal(respBody, &resp)
	if perr := mapSendOutcome(httpResp.StatusCode, &resp, parseErr); perr != nil {
		outcome := "permanent"
		if perr.Transient {
			outcome = "transient"
		}
		providerRequestsCounter.WithLabelValues(p.Name(), "send", outcome).Inc()
		p.logger.WarnContext(ctx, "Beem rejected submission",
			"status_code", httpResp.StatusCode, "provider_code", perr.ProviderCode, "code", perr.Code, "message", perr.Message)
		return nil, perr
	}

	providerRequestsCounter.WithLabelValues(p.Name(), "send", "success").Inc()
	p.logger.InfoContext(ctx, "Submitted chunk to Beem",
		"request_id", resp.RequestID, "recipients", len(items), "valid", resp.Valid, "invalid", resp.Invalid, "duplicates", resp.Duplicates)
	return &resp, nil
}

// mapSendOutcome maps an HTTP status and Beem response code onto the error
// taxonomy. It returns nil when the submission was accepted.
func mapSendOutcome(statusCode int, resp *beemSendResponse, parseErr error) *coredomain.ProviderError {
	code, message := resp.code()
	providerCode := ""
	if code != 0 {
		providerCode = strconv.Itoa(code)
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		return coredomain.NewTransientProviderError(coredomain.ProviderCodeRateLimited, message, statusCode, nil)
	case statusCode >= 500:
		return coredomain.NewTransientProviderError(coredomain.ProviderCodeUnavailable, message, statusCode, nil)
	}

	if statusCode >= 200 && statusCode < 300 && parseErr == nil && code == beemCodeSuccess {
		return nil
	}

	switch code {
	case 101, 102:
		return coredomain.NewPermanentProviderError(coredomain.ProviderCodeMalformedDestination, providerCode, message, statusCode)
	case 111, 112, 113:
		return coredomain.NewPermanentProviderError(coredomain.ProviderCodeSenderUnregistered, providerCode, message, statusCode)
	case 120, 121:
		return coredomain.NewPermanentProviderError(coredomain.ProviderCodeInsufficientBalance, providerCode, message, statusCode)
	}

	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return coredomain.NewPermanentProviderError(coredomain.ProviderCodeUnauthorized, providerCode, message, statusCode)
	case parseErr != nil && statusCode >= 200 && statusCode < 300:
		return coredomain.NewPermanentProviderError(coredomain.ProviderCodeRejected, providerCode, "unparseable success response", statusCode)
	default:
		if message == "" {
			message = fmt.Sprintf("unexpected response (status %d, code %d)", statusCode, code)
		}
		return coredomain.NewPermanentProviderError(coredomain.ProviderCodeRejected, providerCode, message, statusCode)
	}
}

func (p *BeemGateway) QueryStatus(ctx context.Context, providerMessageID string) (*StatusReport, error) {
	requestID, dest, err := ParseProviderMessageID(providerMessageID)
	if err != nil {
		return nil, err
	}

	var reports []beemDeliveryReport
	err = p.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		var qErr error
		reports, qErr = p.fetchDeliveryReports(ctx, requestID, dest)
		return qErr
	})
	if err != nil {
		return nil, err
	}

	report := &StatusReport{
		ProviderMessageID: providerMessageID,
		ProviderStatus:    "UNKNOWN",
		Status:            coredomain.MessageStatusSubmitted,
	}
	for _, r := range reports {
		if destAddr(r.DestAddr) == dest {
			report.ProviderStatus = r.Status
			report.Status = MapProviderStatus(r.Status)
			break
		}
	}
	return report, nil
}

func (p *BeemGateway) fetchDeliveryReports(ctx context.Context, requestID, dest string) ([]beemDeliveryReport, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, coredomain.NewTransientProviderError(coredomain.ProviderCodeRateLimited, "rate limiter wait aborted", 0, err)
	}

	q := url.Values{}
	q.Set("dest_addr", dest)
	q.Set("request_id", requestID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.DLRURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request for Beem delivery report: %w", err)
	}
	httpReq.SetBasicAuth(p.cfg.APIKey, p.cfg.SecretKey)

	timer := prometheus.NewTimer(providerRequestDurationHist.WithLabelValues(p.Name(), "status"))
	httpResp, err := p.httpClient.Do(httpReq)
	timer.ObserveDuration()
	if err != nil {
		providerRequestsCounter.WithLabelValues(p.Name(), "status", "transient").Inc()
		return nil, coredomain.NewTransientProviderError(coredomain.ProviderCodeNetwork, "delivery report request failed", 0, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, coredomain.NewTransientProviderError(coredomain.ProviderCodeNetwork, "failed to read delivery report", httpResp.StatusCode, err)
	}

	switch {
	case httpResp.StatusCode == http.StatusTooManyRequests:
		providerRequestsCounter.WithLabelValues(p.Name(), "status", "transient").Inc()
		return nil, coredomain.NewTransientProviderError(coredomain.ProviderCodeRateLimited, "", httpResp.StatusCode, nil)
	case httpResp.StatusCode >= 500:
		providerRequestsCounter.WithLabelValues(p.Name(), "status", "transient").Inc()
		return nil, coredomain.NewTransientProviderError(coredomain.ProviderCodeUnavailable, "", httpResp.StatusCode, nil)
	case httpResp.StatusCode == http.StatusNotFound:
		// No report yet.
		providerRequestsCounter.WithLabelValues(p.Name(), "status", "success").Inc()
		return nil, nil
	case httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden:
		providerRequestsCounter.WithLabelValues(p.Name(), "status", "permanent").Inc()
		return nil, coredomain.NewPermanentProviderError(coredomain.ProviderCodeUnauthorized, "", string(body), httpResp.StatusCode)
	case httpResp.StatusCode >= 300:
		providerRequestsCounter.WithLabelValues(p.Name(), "status", "permanent").Inc()
		return nil, coredomain.NewPermanentProviderError(coredomain.ProviderCodeRejected, "", string(body), httpResp.StatusCode)
	}

	var reports []beemDeliveryReport
	if err := json.Unmarshal(body, &reports); err != nil {
		// Some deployments answer with a single object.
		var single beemDeliveryReport
		if err2 := json.Unmarshal(body, &single); err2 != nil {
			return nil, coredomain.NewPermanentProviderError(coredomain.ProviderCodeRejected, "", "unparseable delivery report", httpResp.StatusCode)
		}
		reports = []beemDeliveryReport{single}
	}
	providerRequestsCounter.WithLabelValues(p.Name(), "status", "success").Inc()
	return reports, nil
}

func (p *BeemGateway) ParseDeliveryCallback(payload []byte) (*coredomain.DeliveryReceipt, error) {
	return parseBeemCallback(payload)
}

func parseBeemCallback(payload []byte) (*coredomain.DeliveryReceipt, error) {
	var cb beemCallback
	if err := json.Unmarshal(payload, &cb); err != nil {
		return nil, coredomain.NewValidationError("payload", "malformed delivery callback: "+err.Error())
	}
	if cb.Status == "" {
		return nil, coredomain.NewValidationError("status", "missing")
	}
	if cb.RequestID.String() == "" && cb.RecipientID == "" {
		return nil, coredomain.NewValidationError("request_id", "either request_id or recipient_id is required")
	}

	receipt := &coredomain.DeliveryReceipt{
		MessageID:      cb.RecipientID,
		ProviderStatus: cb.Status,
		Status:         MapProviderStatus(cb.Status),
		ReceivedAt:     time.Now().UTC(),
		Source:         coredomain.ReceiptSourceWebhook,
	}
	if cb.RequestID.String() != "" && cb.DestAddr != "" {
		receipt.ProviderMessageID = cb.RequestID.String() + ":" + destAddr(cb.DestAddr)
	}
	if ts, err := parseCallbackTime(cb.Timestamp); err == nil {
		receipt.ReceivedAt = ts
	}
	return receipt, nil
}

func parseCallbackTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// FormatProviderMessageID builds the per-recipient id: Beem acknowledges a whole
// request with one request_id.
func FormatProviderMessageID(requestID int64, dest string) string {
	return strconv.FormatInt(requestID, 10) + ":" + dest
}

// ParseProviderMessageID splits an id built by FormatProviderMessageID.
func ParseProviderMessageID(id string) (requestID, dest string, err error) {
	requestID, dest, ok := strings.Cut(id, ":")
	if !ok || requestID == "" || dest == "" {
		return "", "", coredomain.NewValidationError("provider_message_id", fmt.Sprintf("malformed id %q", id))
	}
	return requestID, dest, nil
}

func destAddr(e164 string) string {
	return strings.TrimPrefix(strings.TrimSpace(e164), "+")
}
