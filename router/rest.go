package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/tarancss/xrouter/authority"
)

const timeout = 15

// Errors returned to client requests.
var (
	ErrNoAsset   = errors.New("undefined asset - missing in uri")
	ErrNoAccount = errors.New("undefined account - missing in uri")
)

// Response defines the data structure returned to the client making the http request.
type Response struct {
	Body  string `json:"body"`
	Error string `json:"error,omitempty"`
}

// assetAuthority is the reply of the asset handler.
type assetAuthority struct {
	Registration *authority.Registration `json:"registration"`
	Availability authority.Availability  `json:"availability"`
}

// Handler returns the monitoring API of the router.
func (r *Router) Handler() http.Handler {
	m := mux.NewRouter()
	m.HandleFunc("/", r.homeHandler)
	m.HandleFunc("/health", r.healthHandler).Methods("GET")                                // aggregate health
	m.HandleFunc("/metrics", r.metricsHandler).Methods("GET")                              // transfer metrics
	m.HandleFunc("/peers", r.peersHandler).Methods("GET")                                  // known routers
	m.HandleFunc("/assets/{asset}", r.assetHandler).Methods("GET")                         // asset authority
	m.HandleFunc("/accounts/{account}/transactions", r.transactionsHandler).Methods("GET") // confirmation records

	return m
}

// Serve starts the http server of the monitoring API on endpoint:port and blocks until Stop shuts it down.
func (r *Router) Serve(endpoint, port string) error {
	srv := &http.Server{
		Handler:      r.Handler(),
		Addr:         endpoint + ":" + port,
		WriteTimeout: timeout * time.Second,
		ReadTimeout:  timeout * time.Second,
	}

	r.mu.Lock()
	if r.state != stateRunning {
		r.mu.Unlock()

		return ErrNotRunning
	}

	r.srv = srv
	r.mu.Unlock()

	r.log.Info("listening to API http requests", "addr", srv.Addr)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// respond writes body, or err, to the client the way every handler does.
func (r *Router) respond(rw http.ResponseWriter, req *http.Request, code int, body interface{}, err error) {
	var res Response

	if err != nil {
		res.Error = fmt.Sprintf("%s", err)

		if code == http.StatusOK {
			code = http.StatusBadRequest
		}
	} else {
		tmp, _ := json.Marshal(body)
		res.Body = string(tmp)
	}

	r.log.Debug("httpreq", "from", req.RemoteAddr, "uri", req.RequestURI, "code", code, "err", err)

	rw.Header().Set("Content-Type", "application/json;charset=utf8")
	rw.WriteHeader(code)
	_ = json.NewEncoder(rw).Encode(&res)
}

// homeHandler just replies a welcome message to the client.
func (r *Router) homeHandler(rw http.ResponseWriter, req *http.Request) {
	r.respond(rw, req, http.StatusOK, "Hello, this is router "+r.id, nil)
}

// healthHandler replies the router health, with a 503 status when unhealthy.
func (r *Router) healthHandler(rw http.ResponseWriter, req *http.Request) {
	h := r.GetHealth(req.Context())

	code := http.StatusOK
	if h.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	r.respond(rw, req, code, h, nil)
}

func (r *Router) metricsHandler(rw http.ResponseWriter, req *http.Request) {
	r.respond(rw, req, http.StatusOK, r.GetMetrics(), nil)
}

func (r *Router) peersHandler(rw http.ResponseWriter, req *http.Request) {
	r.respond(rw, req, http.StatusOK, r.DiscoverRouters(), nil)
}

// assetHandler replies the authority registration of an asset and the availability of its primary router.
func (r *Router) assetHandler(rw http.ResponseWriter, req *http.Request) {
	assetID, ok := mux.Vars(req)["asset"]
	if !ok || assetID == "" {
		r.respond(rw, req, http.StatusBadRequest, nil, ErrNoAsset)

		return
	}

	reg, err := r.auth.GetRegistration(req.Context(), assetID)
	if errors.Is(err, authority.ErrAssetNotFound) {
		r.respond(rw, req, http.StatusNotFound, nil, err)

		return
	}

	if err != nil {
		r.respond(rw, req, http.StatusInternalServerError, nil, err)

		return
	}

	av, err := r.auth.CheckPrimaryRouterAvailability(req.Context(), assetID)
	if err != nil {
		r.respond(rw, req, http.StatusInternalServerError, nil, err)

		return
	}

	r.respond(rw, req, http.StatusOK, assetAuthority{Registration: reg, Availability: av}, nil)
}

// transactionsHandler replies the confirmation records of this router involving an account, newest first.
func (r *Router) transactionsHandler(rw http.ResponseWriter, req *http.Request) {
	account, ok := mux.Vars(req)["account"]
	if !ok || account == "" {
		r.respond(rw, req, http.StatusBadRequest, nil, ErrNoAccount)

		return
	}

	recs, err := r.records.GetUserTransactions(req.Context(), account)
	if err != nil {
		r.respond(rw, req, http.StatusInternalServerError, nil, err)

		return
	}

	r.respond(rw, req, http.StatusOK, recs, nil)
}
