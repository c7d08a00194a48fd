package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/webgrab/internal/auth"
	"github.com/shehryarbajwa/webgrab/internal/metering"
	"github.com/shehryarbajwa/webgrab/pkg/models"
)

const maxBodyBytes = 1 << 20

// envelope is the JSON shape of every non-binary response.
type envelope struct {
	Success          bool       `json:"success"`
	Data             any        `json:"data,omitempty"`
	Error            *errorBody `json:"error,omitempty"`
	CreditsCost      int64      `json:"creditsCost"`
	CreditsRemaining *int64     `json:"creditsRemaining,omitempty"`
	FromCache        *bool      `json:"fromCache,omitempty"`
}

type errorBody struct {
	Code      models.Code `json:"code"`
	Message   string      `json:"message"`
	Required  int64       `json:"required,omitempty"`
	Available *int64      `json:"available,omitempty"`
}

// captureData is a capture with its bytes inlined as base64.
type captureData struct {
	*models.Capture
	Data     string `json:"data"`
	Encoding string `json:"encoding"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	me := models.AsError(err)
	code := me.Code
	msg := me.Message
	if code == models.CodeCacheUnavailable || code == models.CodePersistenceFailed {
		code, msg = models.CodeInternal, "internal error"
	}

	body := &errorBody{Code: code, Message: msg}
	if code == models.CodeInsufficientCredits {
		available := me.Available
		body.Required = me.Required
		body.Available = &available
	}
	// Drop any binary content type set before the failure.
	w.Header().Del("Content-Length")
	writeJSON(w, code.HTTPStatus(), envelope{Success: false, Error: body})
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Operation handles POST /v1/{kind}
func (h *Handler) Operation(kind models.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, _ := auth.FromContext(r.Context())

		op, ok := models.NewOperation(kind)
		if !ok {
			writeError(w, models.Errorf(models.CodeNotFound, "unknown operation %q", kind))
			return
		}
		if err := decodeBody(w, r, op); err != nil {
			writeError(w, err)
			return
		}
		if err := op.Validate(); err != nil {
			writeError(w, err)
			return
		}

		res, err := h.ops.Execute(r.Context(), p.UserID, op)
		if err != nil {
			me := models.AsError(err)
			if me.Code.HTTPStatus() >= http.StatusInternalServerError {
				h.logger.Warn("operation failed",
					zap.String("user_id", p.UserID),
					zap.String("op", string(kind)),
					zap.String("url", op.Target()),
					zap.String("code", string(me.Code)),
					zap.Error(me))
			}
			writeError(w, me)
			return
		}

		if c, ok := res.Output.(*models.Capture); ok {
			if wantsJSON(r, op) {
				writeResult(w, res, captureData{
					Capture:  c,
					Data:     base64.StdEncoding.EncodeToString(c.Data),
					Encoding: "base64",
				})
				return
			}
			writeBinary(w, res, c)
			return
		}
		writeResult(w, res, res.Output)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, op models.Operation) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(op); err != nil {
		if errors.Is(err, io.EOF) {
			return models.Validation("request body is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return models.Validation("request body exceeds %d bytes", maxBodyBytes)
		}
		return models.Validation("invalid request body: %v", err)
	}
	return nil
}

// wantsJSON reports whether a binary result should be inlined as base64.
func wantsJSON(r *http.Request, op models.Operation) bool {
	if op.WantsBase64() {
		return true
	}
	if v, err := strconv.ParseBool(r.URL.Query().Get("base64")); err == nil && v {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

func writeResult(w http.ResponseWriter, res *metering.Result, data any) {
	remaining := res.CreditsRemaining
	fromCache := res.FromCache
	writeJSON(w, http.StatusOK, envelope{
		Success:          true,
		Data:             data,
		CreditsCost:      res.CreditsCost,
		CreditsRemaining: &remaining,
		FromCache:        &fromCache,
	})
}

func writeBinary(w http.ResponseWriter, res *metering.Result, c *models.Capture) {
	hdr := w.Header()
	hdr.Set("Content-Type", c.ContentType)
	hdr.Set("Content-Length", strconv.Itoa(len(c.Data)))
	hdr.Set("X-Credits-Cost", strconv.FormatInt(res.CreditsCost, 10))
	hdr.Set("X-Credits-Remaining", strconv.FormatInt(res.CreditsRemaining, 10))
	hdr.Set("X-From-Cache", strconv.FormatBool(res.FromCache))
	if c.PermanentURL != "" {
		hdr.Set("X-Permanent-Url", c.PermanentURL)
		hdr.Set("X-File-Id", c.FileID)
	}
	w.WriteHeader(http.StatusOK)
	w.Write(c.Data)
}

// GetCredits handles GET /v1/credits
func (h *Handler) GetCredits(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.FromContext(r.Context())
	balance, err := h.balances.Balance(r.Context(), p.UserID)
	if err != nil {
		h.logger.Error("failed to read balance", zap.String("user_id", p.UserID), zap.Error(err))
		writeError(w, models.Wrap(models.CodeInternal, err, "credit ledger unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Data:    models.Balance{UserID: p.UserID, Balance: balance},
	})
}
