package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"sharezone/cfg"
	"sharezone/pkg/domain"
	"sharezone/pkg/gate"
	"sharezone/svc/lim"
	"sharezone/svc/svc"
	"sharezone/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/text/unicode/norm"
)

type Hdl struct {
	files     *svc.Files
	shares    *svc.Shares
	downloads *svc.Downloads
	cfg       *cfg.Cfg
}

type ShareReq struct {
	IsPublic  bool   `json:"is_public"`
	Password  string `json:"password,omitempty"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

type ShareStatusResp struct {
	State string       `json:"state"`
	File  *domain.File `json:"file,omitempty"`
	Error string       `json:"error,omitempty"`
}

func ownerID(r *http.Request) string {
	return r.Header.Get("X-Owner-ID")
}

func (h *Hdl) UploadFile(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	owner := ownerID(r)
	if owner == "" {
		writeErr(w, domain.ErrUnauthorized, requestID)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxFileSize+1024*1024)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		log.Warn().Err(err).Msg("invalid multipart form")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	part, header, err := r.FormFile("file")
	if err != nil {
		log.Warn().Err(err).Msg("missing file part")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	defer part.Close()

	name := sanitizeFileName(header.Filename)
	if name == "" {
		writeErr(w, domain.ErrNameRequired, requestID)
		return
	}
	content, err := io.ReadAll(io.LimitReader(part, h.cfg.MaxFileSize+1))
	if err != nil {
		log.Warn().Err(err).Msg("failed to read upload body")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	if int64(len(content)) > h.cfg.MaxFileSize {
		writeErr(w, domain.ErrFileTooLarge, requestID)
		return
	}

	params := domain.UploadParams{
		OwnerID:  owner,
		Name:     name,
		MimeType: header.Header.Get("Content-Type"),
		Content:  content,
		Encrypt:  r.FormValue("encrypt") != "false",
	}
	file, err := h.files.Upload(r.Context(), params)
	if err != nil {
		log.Error().Err(err).Msg("failed to upload file")
		if errors.Is(err, domain.ErrFileTooLarge) || errors.Is(err, domain.ErrNameRequired) {
			writeErr(w, err, requestID)
			return
		}
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	log.Info().
		Str("file_id", file.ID).
		Bool("encrypted", file.IsEncrypted).
		Msg("file uploaded")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(file)
}

func (h *Hdl) ListFiles(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	owner := ownerID(r)
	if owner == "" {
		writeErr(w, domain.ErrUnauthorized, requestID)
		return
	}
	files, err := h.files.ListByOwner(r.Context(), owner)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("failed to list files")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	if files == nil {
		files = []*domain.File{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(files)
}

func (h *Hdl) DeleteFile(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	owner := ownerID(r)
	if owner == "" {
		writeErr(w, domain.ErrUnauthorized, requestID)
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.files.Delete(r.Context(), owner, id); err != nil {
		if errors.Is(err, domain.ErrFileNotFound) || errors.Is(err, domain.ErrUnauthorized) {
			writeErr(w, err, requestID)
			return
		}
		log.Error().Err(err).Str("id", id).Msg("failed to delete file")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
}

func (h *Hdl) DownloadFile(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	owner := ownerID(r)
	if owner == "" {
		writeErr(w, domain.ErrUnauthorized, requestID)
		return
	}
	id := chi.URLParam(r, "id")
	file, err := h.files.Get(r.Context(), owner, id)
	if err != nil {
		if errors.Is(err, domain.ErrFileNotFound) || errors.Is(err, domain.ErrUnauthorized) {
			writeErr(w, err, requestID)
			return
		}
		log.Error().Err(err).Str("id", id).Msg("failed to load file")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	h.servePayload(w, r, file)
}

func (h *Hdl) CreateShare(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	owner := ownerID(r)
	if owner == "" {
		writeErr(w, domain.ErrUnauthorized, requestID)
		return
	}
	id := chi.URLParam(r, "id")

	var req ShareReq
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil && err != io.EOF {
		log.Warn().Err(err).Msg("invalid share request")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	shareReq := domain.ShareRequest{
		IsPublic: req.IsPublic,
		Password: req.Password,
	}
	if req.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			log.Warn().Err(err).Str("expires_at", req.ExpiresAt).Msg("invalid expiry")
			writeErr(w, domain.ErrInvalidExpiry, requestID)
			return
		}
		shareReq.ExpiresAt = &t
	}

	link, err := h.shares.Create(r.Context(), owner, id, shareReq)
	if err != nil {
		if errors.Is(err, domain.ErrFileNotFound) || errors.Is(err, domain.ErrUnauthorized) ||
			errors.Is(err, domain.ErrInvalidExpiry) || errors.Is(err, domain.ErrIDGenerationFailed) {
			writeErr(w, err, requestID)
			return
		}
		log.Error().Err(err).Str("id", id).Msg("failed to create share")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(link)
}

func (h *Hdl) RevokeShare(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	owner := ownerID(r)
	if owner == "" {
		writeErr(w, domain.ErrUnauthorized, requestID)
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.shares.Revoke(r.Context(), owner, id); err != nil {
		if errors.Is(err, domain.ErrFileNotFound) || errors.Is(err, domain.ErrUnauthorized) ||
			errors.Is(err, domain.ErrShareNotFound) {
			writeErr(w, err, requestID)
			return
		}
		hlog.FromRequest(r).Error().Err(err).Str("id", id).Msg("failed to revoke share")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "revoked"})
}

// ShareStatus tells a recipient what the link needs before bytes can flow.
// It never leaks whether a missing share ever existed.
func (h *Hdl) ShareStatus(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	shareID := chi.URLParam(r, "shareID")
	session, err := h.shares.Access(r.Context(), shareID, "")
	if err != nil {
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	h.writeSession(w, r, session, requestID)
}

func (h *Hdl) ShareDownload(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	shareID := chi.URLParam(r, "shareID")

	password := r.Header.Get("X-Share-Password")
	if password == "" {
		var body struct {
			Password string `json:"password"`
		}
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096))
		if err := dec.Decode(&body); err == nil {
			password = body.Password
		}
	}

	session, err := h.shares.Access(r.Context(), shareID, password)
	if err != nil {
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	if session.State() != gate.Ready {
		// log a rotating hash of the client IP, never the address itself
		clientIP := util.RedactIP(r.RemoteAddr)
		if ipHasher, err := util.GetIPHasher(); err == nil {
			if ipHash, err := ipHasher.HashIP(lim.GetRealIP(r, h.cfg.TrustedProxies)); err == nil {
				clientIP = ipHash
			}
		}
		log.Warn().
			Str("share_id", util.RedactShareID(shareID)).
			Str("state", session.State().String()).
			Str("client_ip", clientIP).
			Msg("share download refused")
		h.writeSession(w, r, session, requestID)
		return
	}
	h.servePayload(w, r, session.File())
}

func (h *Hdl) servePayload(w http.ResponseWriter, r *http.Request, file *domain.File) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	payload, err := h.downloads.Fetch(r.Context(), file)
	if err != nil {
		log.Error().Err(err).Str("id", file.ID).Msg("download failed")
		if errors.Is(err, domain.ErrRetrievalFailed) || errors.Is(err, domain.ErrDecryptionFailed) {
			writeErr(w, err, requestID)
			return
		}
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	contentType := file.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.Name))
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(payload)))
	w.Write(payload)
}

func (h *Hdl) writeSession(w http.ResponseWriter, r *http.Request, session *gate.Session, requestID string) {
	resp := ShareStatusResp{State: session.State().String()}
	switch session.State() {
	case gate.Ready:
		resp.File = session.File()
	case gate.Error:
		writeErr(w, session.Err(), requestID)
		return
	case gate.PasswordRequired:
		if err := session.Err(); err != nil {
			resp.Error = domain.ToResp(err).Error.Msg
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(domain.Status(err))
			json.NewEncoder(w).Encode(resp)
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	errorMsg := domain.ToResp(err).Error.Msg
	if statusCode >= 500 {
		errorMsg = "internal server error"
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
	}
	json.NewEncoder(w).Encode(map[string]string{
		"error":      errorMsg,
		"request_id": requestID,
	})
}

func sanitizeFileName(s string) string {
	s = norm.NFC.String(path.Base(s))
	if !utf8.ValidString(s) {
		v := make([]rune, 0, len(s))
		for _, r := range s {
			if r != utf8.RuneError {
				v = append(v, r)
			}
		}
		s = string(v)
	}
	s = strings.Map(func(r rune) rune {
		if r < 32 || r == 127 || r == '/' || r == '\\' {
			return -1
		}
		return r
	}, s)
	if s == "." || s == ".." {
		return ""
	}
	return strings.TrimSpace(s)
}
