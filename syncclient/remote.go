package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sprayworks/foam_backend/models"
	"github.com/sprayworks/foam_backend/workflow"
)

// WriteAck is the remote store's answer to an entity write.
type WriteAck struct {
	Id        string          `json:"id"`
	TempId    string          `json:"temp_id,omitempty"`
	Record    json.RawMessage `json:"record,omitempty"`
	Unmatched []string        `json:"unmatched,omitempty"`
	// Duplicate is set when the store had already applied this write id.
	Duplicate bool `json:"duplicate,omitempty"`
}

type ReconcileAck struct {
	StockAdjusted bool        `json:"stock_adjusted"`
	AllFailed     bool        `json:"all_failed"`
	Unmatched     []string    `json:"unmatched"`
	Job           *models.Job `json:"job"`
}

// RetryRequest hands a write the client gave up on to the server-side retry queue.
type RetryRequest struct {
	TargetTable    string                `json:"target_table"`
	Operation      models.RetryOperation `json:"operation"`
	Payload        json.RawMessage       `json:"payload"`
	ConflictKey    string                `json:"conflict_key,omitempty"`
	IdempotencyKey string                `json:"idempotency_key,omitempty"`
}

// Remote is the remote store surface the coordinator talks to.
type Remote interface {
	FetchOrgSnapshot(ctx context.Context, orgID string) (*models.OrgSnapshot, error)
	FetchCrewJobs(ctx context.Context, orgID string) ([]models.CrewJob, error)
	PutSettings(ctx context.Context, orgID string, settings models.OrgSettings) error
	// PutEntity upserts one row. Every resend of the same change carries the
	// same writeID so the store applies it once.
	PutEntity(ctx context.Context, orgID, table, id, writeID string, body any) (*WriteAck, error)
	DeleteEntity(ctx context.Context, orgID, table, id string) error
	ReconcileJob(ctx context.Context, orgID, jobID string, actuals models.Materials, status models.ExecutionStatus) (*ReconcileAck, error)
	EnqueueRetry(ctx context.Context, orgID string, req RetryRequest) error
}

var tableSegments = map[string]string{
	workflow.TableJobs:           "jobs",
	workflow.TableCustomers:      "customers",
	workflow.TableInventoryItems: "inventory",
	workflow.TableEquipment:      "equipment",
}

// HTTPRemote calls the store's HTTP API. Exactly one of Token (admin session)
// or CrewToken (crew capability) is normally set.
type HTTPRemote struct {
	BaseURL   string
	Token     string
	CrewToken string
	HTTP      *http.Client
}

func NewHTTPRemote(baseURL, token, crewToken string) *HTTPRemote {
	return &HTTPRemote{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		Token:     token,
		CrewToken: crewToken,
		HTTP:      &http.Client{Timeout: 30 * time.Second},
	}
}

func (r *HTTPRemote) orgPath(orgID string, parts ...string) string {
	p := "/api/orgs/" + url.PathEscape(orgID)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

// IdempotencyHeader names the request header carrying a write id.
const IdempotencyHeader = "Idempotency-Key"

func (r *HTTPRemote) do(ctx context.Context, method, path string, in, out any) error {
	return r.send(ctx, method, path, nil, in, out)
}

func (r *HTTPRemote) send(ctx context.Context, method, path string, header http.Header, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.Token != "" {
		req.Header.Set("token", r.Token)
	}
	if r.CrewToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.CrewToken)
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := r.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &HTTPError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (r *HTTPRemote) FetchOrgSnapshot(ctx context.Context, orgID string) (*models.OrgSnapshot, error) {
	var snap models.OrgSnapshot
	if err := r.do(ctx, http.MethodGet, r.orgPath(orgID, "snapshot"), nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (r *HTTPRemote) FetchCrewJobs(ctx context.Context, orgID string) ([]models.CrewJob, error) {
	var out struct {
		Jobs []models.CrewJob `json:"jobs"`
	}
	if err := r.do(ctx, http.MethodGet, r.orgPath(orgID, "crew-jobs"), nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

func (r *HTTPRemote) PutSettings(ctx context.Context, orgID string, settings models.OrgSettings) error {
	return r.do(ctx, http.MethodPut, r.orgPath(orgID, "settings"), settings, nil)
}

func (r *HTTPRemote) PutEntity(ctx context.Context, orgID, table, id, writeID string, body any) (*WriteAck, error) {
	segment, ok := tableSegments[table]
	if !ok {
		return nil, fmt.Errorf("%w: %q", workflow.ErrUnknownTable, table)
	}
	header := http.Header{}
	if writeID != "" {
		header.Set(IdempotencyHeader, writeID)
	}
	var ack WriteAck
	if err := r.send(ctx, http.MethodPut, r.orgPath(orgID, segment, id), header, body, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

func (r *HTTPRemote) DeleteEntity(ctx context.Context, orgID, table, id string) error {
	segment, ok := tableSegments[table]
	if !ok {
		return fmt.Errorf("%w: %q", workflow.ErrUnknownTable, table)
	}
	return r.do(ctx, http.MethodDelete, r.orgPath(orgID, segment, id), nil, nil)
}

func (r *HTTPRemote) ReconcileJob(ctx context.Context, orgID, jobID string, actuals models.Materials, status models.ExecutionStatus) (*ReconcileAck, error) {
	in := map[string]any{"actuals": actuals, "execution_status": status}
	var ack ReconcileAck
	if err := r.do(ctx, http.MethodPost, r.orgPath(orgID, "jobs", jobID, "reconcile"), in, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

func (r *HTTPRemote) EnqueueRetry(ctx context.Context, orgID string, req RetryRequest) error {
	return r.do(ctx, http.MethodPost, r.orgPath(orgID, "retry-queue"), req, nil)
}

// WorkOrderUpdated asks the store to tell crew sessions their work orders changed.
func (r *HTTPRemote) WorkOrderUpdated(ctx context.Context, orgID string) error {
	return r.do(ctx, http.MethodPost, r.orgPath(orgID, "realtime", "work-order-updated"), nil, nil)
}

type CrewSession struct {
	Token            string `json:"token"`
	OrganizationId   string `json:"organization_id"`
	OrganizationName string `json:"organization_name"`
	ExpiresAt        string `json:"expires_at"`
}

// StartCrewSession trades an organization name and crew PIN for a capability
// token and keeps it for later calls.
func (r *HTTPRemote) StartCrewSession(ctx context.Context, orgName, pin string) (*CrewSession, error) {
	in := map[string]string{"organization_name": orgName, "pin": pin}
	var out CrewSession
	if err := r.do(ctx, http.MethodPost, "/api/crew/session", in, &out); err != nil {
		return nil, err
	}
	r.CrewToken = out.Token
	return &out, nil
}
