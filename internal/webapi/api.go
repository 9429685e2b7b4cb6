// Package webapi is the local control surface of the client: fixes can be
// pushed in, alarms raised and cleared, and the delivery state watched.
package webapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"

	"nuha.dev/gpsclient/internal/delivery"
	"nuha.dev/gpsclient/internal/event"
	"nuha.dev/gpsclient/internal/position"
	"nuha.dev/gpsclient/internal/sample"
	"nuha.dev/gpsclient/internal/util"
)

type ApiConfig struct {
	ListenAddr string
}

// Controller is the part of the delivery controller the API drives.
type Controller interface {
	OnAlarmTrigger()
	OnAlarmEnd()
	Status() delivery.Status
}

// Publisher accepts fixes pushed through POST /positions.
type Publisher interface {
	Publish(rec position.Record)
}

// ManualConnectivity is set when connectivity is toggled by hand rather
// than probed.
type ManualConnectivity interface {
	Set(online bool)
	Online() bool
}

type Api struct {
	r       chi.Router
	s       *http.Server
	config  *ApiConfig
	log     log.Logger
	vld     *validator.Validate
	parser  *sample.Parser
	ctl     Controller
	feed    Publisher
	manual  ManualConnectivity
	metrics http.Handler
	stream  *sublist
}

type connectivityRequest struct {
	Online *bool `json:"online" validate:"required"`
}

// NewApi wires the routes. manual, metrics and events may be nil; the
// matching routes then answer 404 or carry no live events.
func NewApi(ctl Controller, feed Publisher, manual ManualConnectivity, metrics http.Handler, events *event.Bus, config *ApiConfig) *Api {
	api := &Api{config: config, ctl: ctl, feed: feed, manual: manual, metrics: metrics}
	api.log = log.DefaultLogger
	api.log.Context = log.NewContext(nil).Str("module", "api-server").Value()
	api.vld = validator.New()
	api.parser = sample.NewParser()
	api.stream = newSublist()
	if events != nil {
		events.Subscribe("webapi-stream", ".*", func(e event.Envelope) {
			data, err := json.Marshal(e)
			if err != nil {
				api.log.Error().Err(err).Msg("unable to encode stream event")
				return
			}
			api.stream.Send(data)
		})
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.Recoverer)
	r.Post("/positions", api.postPosition)
	r.Post("/alarm", api.postAlarm)
	r.Delete("/alarm", api.deleteAlarm)
	r.Get("/status", api.getStatus)
	r.Get("/stream", api.serveStream)
	if manual != nil {
		r.Post("/connectivity", api.postConnectivity)
	}
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	api.r = r

	api.s = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return api
}

func (api *Api) Handler() http.Handler {
	return api.r
}

func (api *Api) Run() error {
	api.log.Info().Msgf("starting api-server on : %s", api.s.Addr)
	err := api.s.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		api.log.Error().Err(err).Msg("")
		return err
	}
	return nil
}

func (api *Api) Close() error {
	api.stream.Close()
	return api.s.Close()
}

func (api *Api) postPosition(w http.ResponseWriter, r *http.Request) {
	var fix sample.Fix
	if err := json.NewDecoder(r.Body).Decode(&fix); err != nil {
		util.JsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := api.parser.Record(&fix)
	if err != nil {
		util.JsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	api.feed.Publish(rec)
	util.JsonWriteStatus(w, http.StatusAccepted, rec)
}

func (api *Api) postAlarm(w http.ResponseWriter, r *http.Request) {
	api.ctl.OnAlarmTrigger()
	util.JsonWrite(w, api.ctl.Status())
}

func (api *Api) deleteAlarm(w http.ResponseWriter, r *http.Request) {
	api.ctl.OnAlarmEnd()
	util.JsonWrite(w, api.ctl.Status())
}

func (api *Api) postConnectivity(w http.ResponseWriter, r *http.Request) {
	var req connectivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.JsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := api.vld.Struct(&req); err != nil {
		util.JsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	api.manual.Set(*req.Online)
	util.JsonWrite(w, api.ctl.Status())
}

func (api *Api) getStatus(w http.ResponseWriter, r *http.Request) {
	util.JsonWrite(w, api.ctl.Status())
}
