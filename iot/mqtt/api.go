package mqtt

import (
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/relabs-tech/dps/core/logger"
	"github.com/sirupsen/logrus"
)

// API is the RESTful interface for the enrollments of the emulator.
//
// The API provides the following REST routes:
//
//	GET /enrollments
//	GET /enrollments/{registration_id}
//	PUT /enrollments/{registration_id}
//	DELETE /enrollments/{registration_id}
//
// Keys are never returned.
type API struct {
	responder *Responder
	rlog      *logrus.Entry
}

// APIBuilder is a builder helper for the API
type APIBuilder struct {
	// Responder holds the enrollments. This is mandatory.
	Responder *Responder
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// Logger is the logger of the API. This is optional.
	Logger *logrus.Entry
}

// NewAPI adds the enrollment routes to the router
func NewAPI(b *APIBuilder) *API {
	if b.Responder == nil {
		panic("Responder is missing")
	}
	if b.Router == nil {
		panic("Router is missing")
	}
	a := &API{
		responder: b.Responder,
		rlog:      logger.ForComponent(b.Logger, "enrollments"),
	}
	a.handleRoutes(b.Router)
	return a
}

func redact(e Enrollment) Enrollment {
	e.SymmetricKey = ""
	e.GroupKey = ""
	return e
}

func (a *API) handleRoutes(router *mux.Router) {
	a.rlog.Debugln("handle route /enrollments GET")
	a.rlog.Debugln("handle route /enrollments/{registration_id} GET,PUT,DELETE")

	router.Handle("/enrollments", handlers.CompressHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enrollments := a.responder.Enrollments()
		for i := range enrollments {
			enrollments[i] = redact(enrollments[i])
		}
		a.writeJSON(w, http.StatusOK, enrollments)
	}))).Methods(http.MethodGet)

	router.Handle("/enrollments/{registration_id}", handlers.CompressHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e, ok := a.responder.enrollment(mux.Vars(r)["registration_id"])
		if !ok {
			http.Error(w, "no such enrollment", http.StatusNotFound)
			return
		}
		a.writeJSON(w, http.StatusOK, redact(e))
	}))).Methods(http.MethodGet)

	router.HandleFunc("/enrollments/{registration_id}", func(w http.ResponseWriter, r *http.Request) {
		registrationID := mux.Vars(r)["registration_id"]
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var e Enrollment
		if err := json.Unmarshal(body, &e); err != nil {
			http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
			return
		}
		if len(e.RegistrationID) > 0 && e.RegistrationID != registrationID {
			http.Error(w, "registration_id does not match the route", http.StatusBadRequest)
			return
		}
		e.RegistrationID = registrationID
		if err := a.responder.Enroll(e); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		a.rlog.WithField("registrationID", registrationID).Infoln("enrolled")
		a.writeJSON(w, http.StatusOK, redact(e))
	}).Methods(http.MethodPut)

	router.HandleFunc("/enrollments/{registration_id}", func(w http.ResponseWriter, r *http.Request) {
		registrationID := mux.Vars(r)["registration_id"]
		revoked, err := a.responder.Revoke(registrationID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !revoked {
			http.Error(w, "no such enrollment", http.StatusNotFound)
			return
		}
		a.rlog.WithField("registrationID", registrationID).Infoln("revoked")
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		a.rlog.WithError(err).Warnln("write response")
	}
}
