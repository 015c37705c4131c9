package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"lxmf_group/internal/model"
	"lxmf_group/internal/protocol/event"
	"lxmf_group/internal/protocol/permission"
	"lxmf_group/internal/service/journal"
	"lxmf_group/internal/service/relay"
	"lxmf_group/internal/utils/log"
)

const shutdownTimeout = 5 * time.Second

type (
	// Relay is the part of the relay service the admin API drives.
	Relay interface {
		Status() relay.Status
		Directory() *permission.Directory
		Journal() *journal.Journal
		Events() *event.Dispatcher
		Reload(ctx context.Context) error
		AnnounceNow(ctx context.Context) error
		SyncNow(ctx context.Context) (bool, error)
	}

	HttpServer struct {
		relay  Relay
		hub    *Hub
		router *mux.Router
	}

	memberRequest struct {
		Name string `json:"name"`
	}

	syncResponse struct {
		Requested bool `json:"requested"`
	}
)

func NewHttpServer(r Relay) *HttpServer {
	s := &HttpServer{
		relay: r,
		hub:   NewHub(),
	}
	s.hub.Attach(r.Events())

	router := mux.NewRouter()
	router.HandleFunc("/status", s.GetStatus()).Methods(http.MethodGet)
	router.HandleFunc("/members", s.GetMembers()).Methods(http.MethodGet)
	router.HandleFunc("/members/{section}/{address}", s.PutMember()).Methods(http.MethodPut)
	router.HandleFunc("/members/{section}/{address}", s.DeleteMember()).Methods(http.MethodDelete)
	router.HandleFunc("/reload", s.Reload()).Methods(http.MethodPost)
	router.HandleFunc("/announce", s.Announce()).Methods(http.MethodPost)
	router.HandleFunc("/sync", s.Sync()).Methods(http.MethodPost)
	router.HandleFunc("/failed/{address}", s.GetFailed()).Methods(http.MethodGet)
	router.HandleFunc("/failed/{address}", s.ClearFailed()).Methods(http.MethodDelete)
	router.HandleFunc("/events", s.hub.HandleWS()).Methods(http.MethodGet)
	s.router = router
	return s
}

func (s *HttpServer) Handler() http.Handler {
	return s.router
}

// Run serves the admin API on addr until ctx is done.
func (s *HttpServer) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.hub.Close()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("Admin API listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HttpServer) GetStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.relay.Status())
	}
}

func (s *HttpServer) GetMembers() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.relay.Directory().Sections())
	}
}

func (s *HttpServer) PutMember() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		section := vars["section"]
		addr, err := model.ParseAddress(vars["address"])
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var req memberRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid body", http.StatusBadRequest)
				return
			}
		}

		m := model.Member{Key: addr.Hex(), Address: addr, DisplayName: req.Name}
		if err := s.relay.Directory().Put(section, m); err != nil {
			memberError(w, err)
			return
		}
		log.Info("Member added", zap.String("section", section), zap.String("address", addr.Hex()))
		s.relay.Events().Publish(event.Event{Kind: event.ConfigChanged, Section: section, Key: addr.Hex(), Value: req.Name})
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *HttpServer) DeleteMember() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		section := vars["section"]
		key := vars["address"]
		if !model.IsWildcardKey(key) {
			addr, err := model.ParseAddress(key)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			key = addr.Hex()
		}

		removed, err := s.relay.Directory().Remove(section, key)
		if err != nil {
			memberError(w, err)
			return
		}
		if !removed {
			http.Error(w, "member not found", http.StatusNotFound)
			return
		}
		log.Info("Member removed", zap.String("section", section), zap.String("key", key))
		s.relay.Events().Publish(event.Event{Kind: event.ConfigChanged, Section: section, Key: key})
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *HttpServer) Reload() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.relay.Reload(r.Context()); err != nil {
			log.Error("Reload failed", zap.Error(err))
			http.Error(w, "reload failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *HttpServer) Announce() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.relay.AnnounceNow(r.Context()); err != nil {
			log.Error("Announce failed", zap.Error(err))
			http.Error(w, "announce failed: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *HttpServer) Sync() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ok, err := s.relay.SyncNow(r.Context())
		if err != nil {
			log.Error("Sync failed", zap.Error(err))
			http.Error(w, "sync failed: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, syncResponse{Requested: ok})
	}
}

func (s *HttpServer) GetFailed() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		j, addr, ok := s.journalFor(w, r)
		if !ok {
			return
		}
		entries, err := j.Failed(r.Context(), addr)
		if err != nil {
			log.Error("Get failed deliveries failed", zap.Error(err))
			http.Error(w, "journal unavailable", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func (s *HttpServer) ClearFailed() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		j, addr, ok := s.journalFor(w, r)
		if !ok {
			return
		}
		if err := j.Clear(r.Context(), addr); err != nil {
			log.Error("Clear failed deliveries failed", zap.Error(err))
			http.Error(w, "journal unavailable", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *HttpServer) journalFor(w http.ResponseWriter, r *http.Request) (*journal.Journal, model.PeerAddress, bool) {
	j := s.relay.Journal()
	if j == nil {
		http.Error(w, "journal disabled", http.StatusNotFound)
		return nil, "", false
	}
	addr, err := model.ParseAddress(mux.Vars(r)["address"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, "", false
	}
	return j, addr, true
}

func memberError(w http.ResponseWriter, err error) {
	if errors.Is(err, permission.ErrUnknownSection) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("Marshal response failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
