package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/webgrab/internal/artifact"
	"github.com/shehryarbajwa/webgrab/internal/auth"
	"github.com/shehryarbajwa/webgrab/pkg/models"
)

// AdminPlan may inspect every user's actor.
const AdminPlan = "admin"

// GetFile handles GET /v1/files/{id}
func (h *Handler) GetFile(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	a, body, err := h.files.Open(r.Context(), id)
	if errors.Is(err, artifact.ErrNotFound) {
		writeError(w, models.Errorf(models.CodeNotFound, "file %s not found", id))
		return
	}
	if err != nil {
		h.logger.Error("failed to open artifact", zap.String("file_id", id), zap.Error(err))
		writeError(w, models.Wrap(models.CodeInternal, err, "could not read file"))
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", a.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(a.Size, 10))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		h.logger.Debug("artifact download interrupted", zap.String("file_id", id), zap.Error(err))
	}
}

// DeleteFile handles DELETE /v1/files/{id}. Only the owner may delete.
func (h *Handler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.FromContext(r.Context())
	id := mux.Vars(r)["id"]

	a, err := h.files.Get(r.Context(), id)
	if errors.Is(err, artifact.ErrNotFound) || (err == nil && a.UserID != p.UserID && p.Plan != AdminPlan) {
		writeError(w, models.Errorf(models.CodeNotFound, "file %s not found", id))
		return
	}
	if err != nil {
		writeError(w, models.Wrap(models.CodeInternal, err, "could not read file"))
		return
	}

	if err := h.files.Delete(r.Context(), id); err != nil && !errors.Is(err, artifact.ErrNotFound) {
		h.logger.Error("failed to delete artifact", zap.String("file_id", id), zap.Error(err))
		writeError(w, models.Wrap(models.CodeInternal, err, "could not delete file"))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// DebugActors handles GET /v1/debug/actors
func (h *Handler) DebugActors(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.FromContext(r.Context())

	infos := h.actors.Stats()
	if p.Plan != AdminPlan {
		own := infos[:0]
		for _, info := range infos {
			if info.UserID == p.UserID {
				own = append(own, info)
			}
		}
		infos = own
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: infos})
}

type writeTracker struct {
	http.ResponseWriter
	written bool
}

func (t *writeTracker) Write(b []byte) (int, error) {
	t.written = true
	return t.ResponseWriter.Write(b)
}

// DebugWorkspace handles GET /v1/debug/workspace
func (h *Handler) DebugWorkspace(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.FromContext(r.Context())

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", `attachment; filename="workspace.tar.gz"`)

	tw := &writeTracker{ResponseWriter: w}
	if err := h.workspaces.Archive(p.UserID, tw); err != nil {
		if !tw.written {
			w.Header().Del("Content-Disposition")
			writeError(w, models.Wrap(models.CodeNotFound, err, "no workspace for this user yet"))
			return
		}
		h.logger.Warn("workspace archive interrupted", zap.String("user_id", p.UserID), zap.Error(err))
	}
}
