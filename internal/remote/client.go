package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"edge-capture-agent/internal/config"
	"edge-capture-agent/internal/models"
)

// ErrUnreachable wraps transport-level failures: DNS, refused connections,
// timeouts. The backend may be fine; the device just cannot reach it.
var ErrUnreachable = errors.New("backend unreachable")

// StatusError is returned for any non-2xx backend response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

const (
	pathPing          = "/ping"
	pathSession       = "/edge/session/current"
	pathPhoto         = "/edge/events/photo"
	pathDefect        = "/edge/events/defect"
	pathPieceComplete = "/edge/events/piece-complete"

	maxErrorBody = 512
)

// Client talks to the inspection backend. It never retries; the upload
// worker and session syncer own retry policy.
type Client struct {
	baseURL    string
	secret     string
	deviceID   string
	httpClient *http.Client
	media      MediaStore
}

// New builds a client from config. media may be nil, in which case photos
// are posted inline as multipart uploads.
func New(cfg config.Config, media MediaStore) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.APIBaseURL, "/"),
		secret:     cfg.DeviceSecret,
		deviceID:   cfg.DeviceID,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		media:      media,
	}
}

func (c *Client) newRequest(ctx context.Context, method, p string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+p, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Device-Secret", c.secret)
	if c.deviceID != "" {
		req.Header.Set("X-Device-ID", c.deviceID)
	}
	return req, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w: %v", req.Method, req.URL.Path, ErrUnreachable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{
			Method: req.Method,
			Path:   req.URL.Path,
			Code:   resp.StatusCode,
			Body:   strings.TrimSpace(string(body)),
		}
	}
	return resp, nil
}

// Ping checks that the backend is reachable and accepts our credentials.
func (c *Client) Ping(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, pathPing, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// CurrentSession fetches the session assigned to this device. A nil session
// with a nil error means the backend reports no active session.
func (c *Client) CurrentSession(ctx context.Context) (*models.Session, error) {
	req, err := c.newRequest(ctx, http.MethodGet, pathSession, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w: %v", pathSession, ErrUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent, resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Method: http.MethodGet, Path: pathSession, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	return decodeSession(raw)
}

// sessionDoc accepts both naming styles the backend has used.
type sessionDoc struct {
	SessionID      flexString `json:"sessionId"`
	ID             flexString `json:"id"`
	CurrentPieceID flexString `json:"currentPieceId"`
	PieceID        flexString `json:"pieceId"`
	Status         string     `json:"status"`
	Lot            lotRef     `json:"lot"`
	LotCode        string     `json:"lotCode"`
}

func decodeSession(raw []byte) (*models.Session, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var doc sessionDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	id := firstNonEmpty(string(doc.SessionID), string(doc.ID))
	if id == "" {
		return nil, nil
	}
	return &models.Session{
		ID:             id,
		CurrentPieceID: firstNonEmpty(string(doc.CurrentPieceID), string(doc.PieceID)),
		Status:         models.NormalizeSessionStatus(doc.Status),
		LotCode:        firstNonEmpty(doc.LotCode, string(doc.Lot)),
	}, nil
}

// flexString decodes a JSON string or number; null decodes to "".
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// lotRef decodes either "LOT-1" or {"code": "LOT-1"}.
type lotRef string

func (l *lotRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '{' {
		var obj struct {
			Code    string `json:"code"`
			LotCode string `json:"lotCode"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		*l = lotRef(firstNonEmpty(obj.Code, obj.LotCode))
		return nil
	}
	var s flexString
	if err := s.UnmarshalJSON(b); err != nil {
		return err
	}
	*l = lotRef(s)
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Upload delivers one queue item to the endpoint for its kind.
func (c *Client) Upload(ctx context.Context, item models.QueueItem) error {
	switch item.Kind {
	case models.KindPhoto:
		return c.UploadPhoto(ctx, item)
	case models.KindFlagDefect, models.KindFlagPotential:
		return c.UploadFlag(ctx, item)
	case models.KindCompletePiece:
		return c.UploadCompletion(ctx, item)
	default:
		return fmt.Errorf("upload: unsupported kind %q", item.Kind)
	}
}

// UploadPhoto sends a capture. With a media store configured the file goes
// there first and only its URL is posted; otherwise the file is posted
// inline as multipart form data.
func (c *Client) UploadPhoto(ctx context.Context, item models.QueueItem) error {
	localPath := item.PayloadString(models.FieldPath)
	if localPath == "" {
		return errors.New("photo event has no path")
	}
	if _, err := os.Stat(localPath); err != nil {
		return fmt.Errorf("photo capture: %w", err)
	}

	if c.media != nil {
		key := mediaKey(c.deviceID, item.PayloadString(models.FieldSessionID), localPath)
		url, err := c.media.Put(ctx, key, localPath, mimeForPath(localPath))
		if err != nil {
			return fmt.Errorf("store photo: %w", err)
		}
		body := eventBody(item)
		body["objectUrl"] = url
		delete(body, models.FieldPath)
		return c.postJSON(ctx, pathPhoto, item.EventKey, body)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range eventBody(item) {
		if k == models.FieldPath {
			continue
		}
		if err := mw.WriteField(k, fmt.Sprint(v)); err != nil {
			return fmt.Errorf("write field %s: %w", k, err)
		}
	}
	part, err := mw.CreateFormFile("photo", filepath.Base(localPath))
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open photo: %w", err)
	}
	_, err = io.Copy(part, f)
	f.Close()
	if err != nil {
		return fmt.Errorf("read photo: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, pathPhoto, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Idempotency-Key", item.EventKey)
	req.ContentLength = int64(buf.Len())
	return c.send(req)
}

// UploadFlag sends a defect or potential-defect flag with its transcript.
func (c *Client) UploadFlag(ctx context.Context, item models.QueueItem) error {
	body := eventBody(item)
	delete(body, models.FieldAudioPath)
	if _, ok := body[models.FieldSeverity]; !ok {
		if item.Kind == models.KindFlagPotential {
			body[models.FieldSeverity] = "potential"
		} else {
			body[models.FieldSeverity] = "defect"
		}
	}
	return c.postJSON(ctx, pathDefect, item.EventKey, body)
}

// UploadCompletion sends the end-of-piece verdict.
func (c *Client) UploadCompletion(ctx context.Context, item models.QueueItem) error {
	return c.postJSON(ctx, pathPieceComplete, item.EventKey, eventBody(item))
}

func eventBody(item models.QueueItem) map[string]any {
	body := make(map[string]any, len(item.Payload)+2)
	for k, v := range item.Payload {
		body[k] = v
	}
	body["eventKey"] = item.EventKey
	body["eventId"] = strconv.FormatInt(item.ID, 10)
	return body
}

func (c *Client) postJSON(ctx context.Context, p, eventKey string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, p, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if eventKey != "" {
		req.Header.Set("Idempotency-Key", eventKey)
	}
	return c.send(req)
}

func (c *Client) send(req *http.Request) error {
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}
