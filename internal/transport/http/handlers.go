package http

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/paylicense/internal/credits"
	"github.com/sells-group/paylicense/internal/license"
	"github.com/sells-group/paylicense/internal/model"
	"github.com/sells-group/paylicense/internal/pipeline"
)

const senderHeader = "X-Sender"

type previousResponse struct {
	IssuerIdentity string    `json:"issuer_identity"`
	Credits        int       `json:"credits"`
	IssuedAt       time.Time `json:"issued_at"`
}

type verifyResponse struct {
	RequestID    string                  `json:"request_id"`
	Outcome      model.Outcome           `json:"outcome"`
	FailureClass model.FailureClass      `json:"failure_class,omitempty"`
	Message      string                  `json:"message"`
	Token        string                  `json:"token,omitempty"`
	Credits      int                     `json:"credits,omitempty"`
	ExpiresAt    *time.Time              `json:"expires_at,omitempty"`
	Extraction   *model.ExtractionRecord `json:"extraction,omitempty"`
	Previous     *previousResponse       `json:"previous,omitempty"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxImageBytes+1<<20)

	img, sender, status, code, err := s.readImage(r)
	if err != nil {
		writeError(w, status, code, err.Error())
		return
	}
	if sender == "" {
		writeError(w, http.StatusBadRequest, codeSenderRequired, "sender is required")
		return
	}
	if !s.limits.Allow(sender) {
		writeError(w, http.StatusTooManyRequests, codeRateLimited, "too many verifications, please wait a minute")
		return
	}
	if err := s.sem.Acquire(r.Context(), 1); err != nil {
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "request cancelled while waiting")
		return
	}
	defer s.sem.Release(1)

	res := s.verifier.Verify(r.Context(), pipeline.Request{Image: img, Sender: sender})

	resp := verifyResponse{
		RequestID:    res.RequestID,
		Outcome:      res.Outcome,
		FailureClass: res.FailureClass,
		Message:      res.Message,
		Token:        res.Token,
		Credits:      res.Credits,
		Extraction:   res.Extraction,
	}
	if res.Claims != nil {
		exp := res.Claims.Expiry()
		resp.ExpiresAt = &exp
	}
	if p := res.Previous; p != nil {
		resp.Previous = &previousResponse{IssuerIdentity: p.IssuerIdentity, Credits: p.CreditsAwarded, IssuedAt: p.CreatedAt}
	}

	status = http.StatusOK
	if res.Outcome == model.OutcomeStorageUnavailable {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// readImage accepts multipart/form-data (image file plus sender field) or a
// raw image/* body with the sender in X-Sender.
func (s *Server) readImage(r *http.Request) (model.Image, string, int, string, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return model.Image{}, "", http.StatusUnsupportedMediaType, codeUnsupportedMedia, eris.New("content type is required")
	}

	switch {
	case mediaType == "multipart/form-data":
		if err := r.ParseMultipartForm(s.cfg.MaxImageBytes); err != nil {
			return model.Image{}, "", bodyErrorStatus(err), bodyErrorCode(err), eris.New("invalid multipart body")
		}
		defer r.MultipartForm.RemoveAll() //nolint:errcheck
		file, hdr, err := r.FormFile("image")
		if err != nil {
			return model.Image{}, "", http.StatusBadRequest, codeImageRequired, eris.New("image file is required")
		}
		defer file.Close() //nolint:errcheck
		if hdr.Size > s.cfg.MaxImageBytes {
			return model.Image{}, "", http.StatusRequestEntityTooLarge, codeImageTooLarge, eris.New("image is too large")
		}
		data, err := io.ReadAll(file)
		if err != nil {
			return model.Image{}, "", http.StatusBadRequest, codeInvalidRequestBody, eris.New("could not read image")
		}
		if len(data) == 0 {
			return model.Image{}, "", http.StatusBadRequest, codeImageRequired, eris.New("image is empty")
		}
		img, err := imageFrom(data, hdr.Header.Get("Content-Type"))
		if err != nil {
			return model.Image{}, "", http.StatusUnsupportedMediaType, codeUnsupportedMedia, err
		}
		sender := strings.TrimSpace(r.FormValue("sender"))
		if sender == "" {
			sender = strings.TrimSpace(r.Header.Get(senderHeader))
		}
		return img, sender, 0, "", nil

	case strings.HasPrefix(mediaType, "image/"):
		data, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxImageBytes+1))
		if err != nil {
			return model.Image{}, "", bodyErrorStatus(err), bodyErrorCode(err), eris.New("could not read image")
		}
		if int64(len(data)) > s.cfg.MaxImageBytes {
			return model.Image{}, "", http.StatusRequestEntityTooLarge, codeImageTooLarge, eris.New("image is too large")
		}
		if len(data) == 0 {
			return model.Image{}, "", http.StatusBadRequest, codeImageRequired, eris.New("image is empty")
		}
		img, err := imageFrom(data, mediaType)
		if err != nil {
			return model.Image{}, "", http.StatusUnsupportedMediaType, codeUnsupportedMedia, err
		}
		return img, strings.TrimSpace(r.Header.Get(senderHeader)), 0, "", nil

	default:
		return model.Image{}, "", http.StatusUnsupportedMediaType, codeUnsupportedMedia,
			eris.Errorf("unsupported content type %q", mediaType)
	}
}

// imageFrom sniffs the payload when the declared type is missing or generic.
func imageFrom(data []byte, declared string) (model.Image, error) {
	mt := declared
	if mt == "" || mt == "application/octet-stream" || !strings.HasPrefix(mt, "image/") {
		mt = http.DetectContentType(data)
	}
	if !strings.HasPrefix(mt, "image/") {
		return model.Image{}, eris.Errorf("unsupported image type %q", mt)
	}
	return model.Image{Data: data, MIMEType: mt}, nil
}

func bodyErrorStatus(err error) int {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

func bodyErrorCode(err error) string {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return codeImageTooLarge
	}
	return codeInvalidRequestBody
}

type decodeRequest struct {
	Token string `json:"token"`
}

type decodeResponse struct {
	Valid     bool       `json:"valid"`
	Reason    string     `json:"reason,omitempty"`
	Ref       string     `json:"transaction_ref,omitempty"`
	Credits   int        `json:"credits,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (s *Server) handleDecode(w http.ResponseWriter, r *http.Request) {
	var req decodeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil || strings.TrimSpace(req.Token) == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "token is required")
		return
	}

	claims, err := s.decoder.Decode(req.Token)
	if err != nil {
		resp := decodeResponse{Valid: false, Reason: string(license.ReasonFormat)}
		var de *license.DecodeError
		if errors.As(err, &de) {
			resp.Reason = string(de.Reason)
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}
	exp := claims.Expiry()
	writeJSON(w, http.StatusOK, decodeResponse{Valid: true, Ref: claims.Ref, Credits: claims.Credits, ExpiresAt: &exp})
}

type packageResponse struct {
	Price   string `json:"price"`
	Credits int    `json:"credits"`
}

func (s *Server) handlePackages(w http.ResponseWriter, _ *http.Request) {
	out := make([]packageResponse, 0, len(credits.Packages))
	for _, p := range credits.Packages {
		out = append(out, packageResponse{Price: p.Price.StringFixed(2), Credits: p.Credits})
	}
	writeJSON(w, http.StatusOK, map[string]any{"packages": out})
}

type healthResponse struct {
	Status   string            `json:"status"`
	Store    string            `json:"store,omitempty"`
	Breakers map[string]string `json:"breakers,omitempty"`
	Tripped  []string          `json:"tripped,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if b := s.cfg.Breakers; b != nil {
		resp.Breakers = b.BreakerStates()
		resp.Tripped = b.TrippedCredentials()
	}
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			resp.Status = "degraded"
			resp.Store = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
