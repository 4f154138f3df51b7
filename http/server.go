package http

import (
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.uber.org/zap"

	"github.com/watchtower-guard/slashing-protector/protector"
)

// Server exposes a Protector over HTTP, for host processes that talk to
// the engine out of process instead of linking it in.
type Server struct {
	logger    *zap.Logger
	protector protector.Protector
	router    *chi.Mux
}

func NewServer(logger *zap.Logger, p protector.Protector) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{logger: logger, protector: p}
	s.router = chi.NewRouter()
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(middleware.Logger)
	s.router.Use(render.SetContentType(render.ContentTypeJSON))
	s.router.Mount("/debug", middleware.Profiler())
	s.router.Route("/v1", func(r chi.Router) {
		r.Post("/validators", s.handleRegisterValidators)
		r.Post("/watermarks", s.handleSetWatermarks)
		r.Route("/slashable", func(r chi.Router) {
			r.Post("/proposal", s.handleCheckProposal)
			r.Post("/attestation", s.handleCheckAttestation)
		})
		r.Get("/export", s.handleExport)
		r.Post("/import", s.handleImport)
	})
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleRegisterValidators(w http.ResponseWriter, r *http.Request) {
	var request registerValidatorsRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		render.Render(w, r, &checkResponse{StatusCode: http.StatusBadRequest, Error: err.Error()})
		return
	}

	keys := make([]protector.PubKey, len(request.PubKeys))
	for i, k := range request.PubKeys {
		keys[i] = protector.PubKey(k)
	}
	validators, err := s.protector.RegisterValidators(r.Context(), keys)
	if err != nil {
		s.logger.Error("RegisterValidators failed", zap.Error(err))
		render.Render(w, r, &checkResponse{StatusCode: http.StatusInternalServerError, Error: err.Error()})
		return
	}

	type registeredValidator struct {
		ID     protector.ValidatorID `json:"id"`
		PubKey jsonPubKey            `json:"pub_key"`
	}
	out := make([]registeredValidator, len(validators))
	for i, v := range validators {
		out[i] = registeredValidator{ID: v.ID, PubKey: jsonPubKey(v.PublicKey)}
	}
	render.JSON(w, r, out)
}

func (s *Server) handleSetWatermarks(w http.ResponseWriter, r *http.Request) {
	var request setWatermarksRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		render.Render(w, r, &checkResponse{StatusCode: http.StatusBadRequest, Error: err.Error()})
		return
	}

	update := protector.WatermarkUpdate{
		BlockSlot:   request.BlockSlot,
		SourceEpoch: request.SourceEpoch,
		TargetEpoch: request.TargetEpoch,
	}
	if err := s.protector.SetWatermarks(r.Context(), protector.PubKey(request.PubKey), update); err != nil {
		s.logger.Error("SetWatermarks failed", zap.Error(err))
		render.Render(w, r, &checkResponse{StatusCode: http.StatusInternalServerError, Error: err.Error()})
		return
	}
	render.NoContent(w, r)
}

func (s *Server) handleCheckProposal(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var request checkProposalRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		render.Render(w, r, &checkResponse{StatusCode: http.StatusBadRequest, Error: err.Error()})
		return
	}

	var resp checkResponse
	defer func() {
		s.logger.Debug("CheckProposal",
			zap.Uint64("slot", request.Slot),
			zap.String("pub_key", hex.EncodeToString(request.PubKey[:])),
			zap.Any("result", resp.Check),
			zap.String("error", resp.Error),
			zap.Duration("took", time.Since(start)),
		)
	}()

	check, err := s.protector.MaySignBlock(
		r.Context(),
		protector.PubKey(request.PubKey),
		protector.Root(request.SigningRoot),
		request.Slot,
	)
	if err != nil {
		resp.StatusCode = statusFor(err)
		resp.Error = err.Error()
		render.Render(w, r, &resp)
		return
	}
	resp.Check = &check
	render.Render(w, r, &resp)
}

func (s *Server) handleCheckAttestation(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var request checkAttestationRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		render.Render(w, r, &checkResponse{StatusCode: http.StatusBadRequest, Error: err.Error()})
		return
	}

	var resp checkResponse
	defer func() {
		s.logger.Debug("CheckAttestation",
			zap.String("pub_key", hex.EncodeToString(request.PubKey[:])),
			zap.Uint64("source", request.Source),
			zap.Uint64("target", request.Target),
			zap.Any("result", resp.Check),
			zap.String("error", resp.Error),
			zap.Duration("took", time.Since(start)),
		)
	}()

	check, err := s.protector.MaySignAttestation(
		r.Context(),
		protector.PubKey(request.PubKey),
		protector.Root(request.SigningRoot),
		request.Source,
		request.Target,
	)
	if err != nil {
		resp.StatusCode = statusFor(err)
		resp.Error = err.Error()
		render.Render(w, r, &resp)
		return
	}
	resp.Check = &check
	render.Render(w, r, &resp)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	genesisRoot := r.URL.Query().Get("genesis_validators_root")
	doc, err := s.protector.Export(r.Context(), genesisRoot)
	if err != nil {
		s.logger.Error("Export failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	render.JSON(w, r, doc)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var doc protector.InterchangeDocument
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		render.Render(w, r, &checkResponse{StatusCode: http.StatusBadRequest, Error: err.Error()})
		return
	}
	if err := s.protector.Import(r.Context(), doc); err != nil {
		s.logger.Error("Import failed", zap.Error(err))
		render.Render(w, r, &checkResponse{StatusCode: statusFor(err), Error: err.Error()})
		return
	}
	render.NoContent(w, r)
}

func statusFor(err error) int {
	switch {
	case stderrors.Is(err, protector.ErrUnregisteredValidator):
		return http.StatusNotFound
	case stderrors.Is(err, protector.ErrMalformedRequest), stderrors.Is(err, protector.ErrInterchangeRejected):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
