package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/runbox/runbox/internal/files"
	"github.com/runbox/runbox/internal/languages"
	"github.com/runbox/runbox/internal/orchestrator"
	"github.com/runbox/runbox/internal/pystate"
	"github.com/runbox/runbox/internal/session"
)

// maxUploadBytes caps a single multipart file upload.
const maxUploadBytes = 32 << 20

// execRequest is the /exec wire format. Args is raw because clients send
// it as a string or a list.
type execRequest struct {
	Code       string                 `json:"code"`
	Lang       string                 `json:"lang"`
	SessionID  string                 `json:"session_id"`
	EntityID   string                 `json:"entity_id"`
	UserID     string                 `json:"user_id"`
	Files      []orchestrator.FileRef `json:"files"`
	Args       json.RawMessage        `json:"args"`
	Stdin      string                 `json:"stdin"`
	TimeoutSec float64                `json:"timeout"`
}

func (s *Server) handleExec(c *gin.Context) {
	var wire execRequest
	if err := c.ShouldBindJSON(&wire); err != nil {
		abortWith(c, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body: "+err.Error())
		return
	}
	args, err := orchestrator.NormalizeArgs(wire.Args)
	if err != nil {
		abortWith(c, http.StatusBadRequest, "BAD_ARGS", err.Error())
		return
	}

	resp, err := s.orch.Run(c.Request.Context(), orchestrator.Request{
		Code:       wire.Code,
		Lang:       wire.Lang,
		SessionID:  wire.SessionID,
		EntityID:   wire.EntityID,
		UserID:     wire.UserID,
		Files:      wire.Files,
		Args:       args,
		Stdin:      wire.Stdin,
		TimeoutSec: wire.TimeoutSec,
		APIKeyHash: c.GetString(ctxKeyHash),
	})
	if err != nil {
		status, code := execErrorStatus(err)
		abortWith(c, status, code, err.Error())
		return
	}
	c.JSON(http.StatusOK, resp)
}

func execErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, orchestrator.ErrEmptyCode):
		return http.StatusBadRequest, "CODE_REQUIRED"
	case errors.Is(err, languages.ErrUnsupported):
		return http.StatusBadRequest, "UNKNOWN_LANGUAGE"
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "SESSION_NOT_FOUND"
	case errors.Is(err, files.ErrNotFound):
		return http.StatusNotFound, "FILE_NOT_FOUND"
	case errors.Is(err, orchestrator.ErrSandboxUnavailable):
		return http.StatusServiceUnavailable, "SANDBOX_UNAVAILABLE"
	}
	return http.StatusInternalServerError, "EXECUTION_FAILED"
}

// uploadStateRequest carries a client-exported namespace blob.
type uploadStateRequest struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
}

func (s *Server) handleUploadState(c *gin.Context) {
	var req uploadStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWith(c, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body: "+err.Error())
		return
	}
	if req.State == "" {
		abortWith(c, http.StatusBadRequest, "STATE_REQUIRED", "state is required")
		return
	}
	ctx := c.Request.Context()

	sess, err := s.resolveOrCreateSession(c, req.SessionID, "")
	if err != nil {
		return
	}

	blob, err := base64.StdEncoding.DecodeString(req.State)
	if err != nil {
		abortWith(c, http.StatusBadRequest, "BAD_STATE", "state must be base64")
		return
	}
	if _, err := pystate.Validate(blob); err != nil {
		abortWith(c, http.StatusBadRequest, "BAD_STATE", err.Error())
		return
	}

	hash, err := s.states.Save(ctx, sess.ID, blob)
	if err != nil {
		s.log.Error("state upload save failed", zap.String("session", sess.ID), zap.Error(err))
		abortWith(c, http.StatusInternalServerError, "STATE_SAVE_FAILED", "could not store state")
		return
	}
	if err := s.states.MarkUploaded(ctx, sess.ID); err != nil {
		s.log.Warn("upload marker failed", zap.String("session", sess.ID), zap.Error(err))
	}
	if err := s.sessions.SetState(ctx, sess.ID, len(blob), hash); err != nil {
		s.log.Warn("session state update failed", zap.String("session", sess.ID), zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": sess.ID,
		"state_hash": hash,
		"state_size": len(blob),
	})
}

func (s *Server) handleUpload(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		abortWith(c, http.StatusBadRequest, "FILE_REQUIRED", "multipart field 'file' is required")
		return
	}
	if fh.Size > maxUploadBytes {
		abortWith(c, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "file exceeds upload limit")
		return
	}

	entityID := c.PostForm("entity_id")
	sess, err := s.resolveOrCreateSession(c, c.PostForm("session_id"), entityID)
	if err != nil {
		return
	}

	src, err := fh.Open()
	if err != nil {
		abortWith(c, http.StatusBadRequest, "BAD_FILE", "could not read uploaded file")
		return
	}
	defer src.Close()
	content, err := io.ReadAll(io.LimitReader(src, maxUploadBytes+1))
	if err != nil || len(content) > maxUploadBytes {
		abortWith(c, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "file exceeds upload limit")
		return
	}

	// Agent uploads carry an entity_id and land read-only in the sandbox.
	source := files.SourceUpload
	if entityID != "" {
		source = files.SourceAgent
	}
	name := filepath.Base(fh.Filename)
	f, err := s.files.Store(c.Request.Context(), sess.ID, name, content, source)
	if err != nil {
		s.log.Error("upload store failed", zap.String("session", sess.ID), zap.String("name", name), zap.Error(err))
		abortWith(c, http.StatusInternalServerError, "UPLOAD_FAILED", "could not store file")
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"session_id": sess.ID,
		"file":       f,
	})
}

func (s *Server) handleListFiles(c *gin.Context) {
	sid := c.Param("session_id")
	if _, err := s.sessions.Get(c.Request.Context(), sid); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			abortWith(c, http.StatusNotFound, "SESSION_NOT_FOUND", "session not found")
			return
		}
		abortWith(c, http.StatusInternalServerError, "LOOKUP_FAILED", "session lookup failed")
		return
	}
	list, err := s.files.List(c.Request.Context(), sid)
	if err != nil {
		abortWith(c, http.StatusInternalServerError, "LIST_FAILED", "file listing failed")
		return
	}
	if list == nil {
		list = []*files.File{}
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sid, "files": list})
}

func (s *Server) handleDownload(c *gin.Context) {
	ctx := c.Request.Context()
	f, err := s.files.Get(ctx, c.Param("session_id"), c.Param("file_id"))
	if err != nil {
		if errors.Is(err, files.ErrNotFound) {
			abortWith(c, http.StatusNotFound, "FILE_NOT_FOUND", "file not found")
			return
		}
		abortWith(c, http.StatusInternalServerError, "LOOKUP_FAILED", "file lookup failed")
		return
	}

	if !s.cfg.DownloadDirect {
		if url := s.files.DownloadURL(ctx, f); url != "" {
			c.Redirect(http.StatusFound, url)
			return
		}
	}
	content, err := s.files.Content(ctx, f)
	if err != nil {
		abortWith(c, http.StatusInternalServerError, "DOWNLOAD_FAILED", "could not read file content")
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+f.Name+`"`)
	c.Data(http.StatusOK, f.ContentType, content)
}

func (s *Server) handleDeleteFile(c *gin.Context) {
	err := s.files.Delete(c.Request.Context(), c.Param("session_id"), c.Param("file_id"))
	if err != nil {
		abortWith(c, http.StatusInternalServerError, "DELETE_FAILED", "could not delete file")
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleHealth(c *gin.Context) {
	status := "ok"
	kvStatus := "ok"
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := s.kv.Ping(ctx); err != nil {
		status, kvStatus = "degraded", "unreachable"
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "kv": kvStatus, "time": time.Now().UTC()})
}

func (s *Server) handlePoolHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pools": s.pool.Stats()})
}

// resolveOrCreateSession loads the named session or creates a fresh one
// when no ID is given. Writes the error response itself on failure.
func (s *Server) resolveOrCreateSession(c *gin.Context, sid, entityID string) (*session.Session, error) {
	ctx := c.Request.Context()
	if sid == "" {
		sess, err := s.sessions.Create(ctx, entityID, "")
		if err != nil {
			abortWith(c, http.StatusInternalServerError, "SESSION_CREATE_FAILED", "could not create session")
			return nil, err
		}
		return sess, nil
	}
	sess, err := s.sessions.Get(ctx, sid)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			abortWith(c, http.StatusNotFound, "SESSION_NOT_FOUND", "session not found")
		} else {
			abortWith(c, http.StatusInternalServerError, "LOOKUP_FAILED", "session lookup failed")
		}
		return nil, err
	}
	return sess, nil
}
