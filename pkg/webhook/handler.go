// Package webhook provides the HTTP ingress business producers use to publish
// events to connected users, including signature validation and routing to
// the broadcaster.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/codeGROOVE-dev/ripple/pkg/logger"
	"github.com/codeGROOVE-dev/ripple/pkg/realtime"
)

const maxPayloadSize = 1 << 20 // 1MB

// Header names understood by the ingress.
const (
	SignatureHeader = "X-Ripple-Signature-256"
	DeliveryHeader  = "X-Ripple-Delivery"
)

// Publish scopes.
const (
	ScopeUser = "user"
	ScopeRoom = "room"
	ScopeAll  = "all"
)

// eventTypePattern matches namespaced business events such as "task:created".
var eventTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*:[a-z][a-z0-9_.-]*$`)

// Publisher is the part of the broadcaster the ingress needs.
type Publisher interface {
	ToUser(ctx context.Context, userID, eventType string, payload any) realtime.Delivery
	ToRoom(ctx context.Context, room realtime.RoomKey, eventType string, payload any) realtime.Delivery
	ToAll(ctx context.Context, eventType string, payload any) realtime.Delivery
}

// Request is the body of a publish call.
type Request struct {
	Data   any    `json:"data"`
	Scope  string `json:"scope"`
	Target string `json:"target"`
	Type   string `json:"type"`
}

// Validate checks the request and returns the room for room-scoped events.
func (r *Request) Validate() (realtime.RoomKey, error) {
	if !eventTypePattern.MatchString(r.Type) {
		return "", fmt.Errorf("event type %q must look like namespace:action", r.Type)
	}
	switch r.Scope {
	case ScopeUser:
		if r.Target == "" {
			return "", errors.New("user scope requires a target")
		}
		return "", nil
	case ScopeRoom:
		room, err := realtime.ParseRoomKey(r.Target)
		if err != nil {
			return "", err
		}
		return room, nil
	case ScopeAll:
		if r.Target != "" {
			return "", errors.New("all scope takes no target")
		}
		return "", nil
	default:
		return "", fmt.Errorf("unknown scope %q", r.Scope)
	}
}

// Handler handles publish requests.
type Handler struct {
	publisher        Publisher
	allowedTypesMap  map[string]bool
	secret           string
	allowedTypesList []string
}

// NewHandler creates a publish handler. A nil allowedTypes accepts every
// well-formed event type.
func NewHandler(p Publisher, secret string, allowedTypes []string) *Handler {
	var allowedMap map[string]bool
	if allowedTypes != nil {
		allowedMap = make(map[string]bool, len(allowedTypes))
		for _, t := range allowedTypes {
			allowedMap[t] = true
		}
	}
	return &Handler{
		publisher:        p,
		secret:           secret,
		allowedTypesList: allowedTypes,
		allowedTypesMap:  allowedMap,
	}
}

// ServeHTTP verifies and routes one publish request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deliveryID := r.Header.Get(DeliveryHeader)

	if r.Method != http.MethodPost {
		logger.Warn(ctx, "publish rejected: invalid method", logger.Fields{
			"method":      r.Method,
			"remote_addr": r.RemoteAddr,
			"path":        r.URL.Path,
		})
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.ContentLength > maxPayloadSize {
		logger.Warn(ctx, "publish rejected: payload too large", logger.Fields{
			"content_length": r.ContentLength,
			"max_size":       maxPayloadSize,
			"delivery_id":    deliveryID,
		})
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadSize))
	if err != nil {
		logger.Error(ctx, "error reading publish body", err, logger.Fields{"delivery_id": deliveryID})
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	defer func() {
		if err := r.Body.Close(); err != nil {
			logger.Debug(ctx, "failed to close request body", logger.Fields{"error": err.Error()})
		}
	}()

	signature := r.Header.Get(SignatureHeader)
	if !VerifySignature(body, signature, h.secret) {
		logger.Warn(ctx, "publish rejected: 401 Unauthorized - signature verification failed", logger.Fields{
			"delivery_id":      deliveryID,
			"remote_addr":      r.RemoteAddr,
			"signature_exists": signature != "",
			"secret_set":       h.secret != "",
		})
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		logger.Warn(ctx, "publish rejected: 400 Bad Request - error parsing payload", logger.Fields{
			"delivery_id":  deliveryID,
			"payload_size": len(body),
			"error":        err.Error(),
		})
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	room, err := req.Validate()
	if err != nil {
		logger.Warn(ctx, "publish rejected: invalid request", logger.Fields{
			"delivery_id": deliveryID,
			"scope":       req.Scope,
			"event_type":  req.Type,
			"error":       err.Error(),
		})
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if h.allowedTypesMap != nil && !h.allowedTypesMap[req.Type] {
		logger.Warn(ctx, "publish rejected: event type not allowed", logger.Fields{
			"event_type":  req.Type,
			"delivery_id": deliveryID,
		})
		http.Error(w, "event type not allowed", http.StatusForbidden)
		return
	}

	var d realtime.Delivery
	switch req.Scope {
	case ScopeUser:
		d = h.publisher.ToUser(ctx, req.Target, req.Type, req.Data)
	case ScopeRoom:
		d = h.publisher.ToRoom(ctx, room, req.Type, req.Data)
	default:
		d = h.publisher.ToAll(ctx, req.Type, req.Data)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(d); err != nil {
		logger.Error(ctx, "failed to write response", err, logger.Fields{"delivery_id": deliveryID})
	}

	logger.Info(ctx, "event published", logger.Fields{
		"delivery_id": deliveryID,
		"event_id":    d.EventID,
		"event_type":  req.Type,
		"scope":       req.Scope,
		"target":      req.Target,
		"delivered":   d.Delivered,
		"buffered":    d.Buffered,
	})
}

// Sign returns the signature header value for payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature validates an HMAC-SHA256 "sha256=<hex>" signature.
// Uses constant-time operations to prevent timing attacks.
func VerifySignature(payload []byte, signature, secret string) bool {
	// Always compute HMAC first to maintain constant time
	expected := Sign(payload, secret)

	validFormat := strings.HasPrefix(signature, "sha256=")
	validSecret := secret != ""
	validSignature := hmac.Equal([]byte(signature), []byte(expected))

	return validFormat && validSecret && validSignature
}
