package main

import (
	"net/http"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"

	"github.com/relabs-tech/dps/core/csql"
	"github.com/relabs-tech/dps/core/logger"
	"github.com/relabs-tech/dps/core/registry"
	"github.com/relabs-tech/dps/iot/mqtt"
)

// Service holds the configuration for this service
//
// use DPS_EMULATOR_ENROLLMENTS='[{"registration_id":"dev-1","symmetric_key":"..."}]'
// and optionally POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
type Service struct {
	Address            string        `env:"DPS_EMULATOR_ADDRESS,optional,default=:8883" description:"the MQTT listen address"`
	HTTPAddress        string        `env:"DPS_EMULATOR_HTTP_ADDRESS,optional,default=:3000" description:"the listen address of the enrollment API"`
	CertFile           string        `env:"DPS_EMULATOR_CERT_FILE,optional" description:"X.509 certificate file, plain TCP without it"`
	KeyFile            string        `env:"DPS_EMULATOR_KEY_FILE,optional" description:"X.509 private key file"`
	IDScope            string        `env:"DPS_ID_SCOPE,required" description:"the id scope of the emulated service"`
	AssignedHub        string        `env:"DPS_EMULATOR_ASSIGNED_HUB,optional,default=hub.localhost" description:"the hub devices get assigned to"`
	PollsUntilAssigned int           `env:"DPS_EMULATOR_POLLS,optional,default=1" description:"status queries answered with assigning"`
	Throttle           int           `env:"DPS_EMULATOR_THROTTLE,optional,default=0" description:"requests answered with 429 at startup"`
	RetryAfter         time.Duration `env:"DPS_EMULATOR_RETRY_AFTER,optional,default=0s" description:"retry-after sent with 429"`
	Enrollments        string        `env:"DPS_EMULATOR_ENROLLMENTS,optional" description:"JSON list of initial enrollments"`
	Postgres           string        `env:"POSTGRES,optional" description:"the connection string for the Postgres DB without password, enrollments are kept in memory without it"`
	PostgresPassword   string        `env:"POSTGRES_PASSWORD,optional" description:"password to the Postgres DB"`
	LogLevel           string        `env:"DPS_LOG_LEVEL,optional,default=info" description:"the log level"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	if err := logger.InitLoggerFromString(service.LogLevel); err != nil {
		panic(err)
	}
	rlog := logger.ForComponent(nil, "dpsemulator")

	responder := mqtt.NewResponder(mqtt.ResponderConfig{
		IDScope:            service.IDScope,
		AssignedHub:        service.AssignedHub,
		PollsUntilAssigned: service.PollsUntilAssigned,
		Throttle:           service.Throttle,
		RetryAfter:         service.RetryAfter,
	})
	if len(service.Postgres) > 0 {
		db, err := csql.OpenWithSchema(service.Postgres, service.PostgresPassword, "dpsemulator")
		if err != nil {
			rlog.WithError(err).Fatalln("cannot open database")
		}
		defer db.Close()
		reg, err := registry.New(db)
		if err != nil {
			rlog.WithError(err).Fatalln("cannot open registry")
		}
		if err := responder.UseStore(mqtt.NewRegistryStore(reg)); err != nil {
			rlog.WithError(err).Fatalln("cannot load enrollments")
		}
	}
	if len(service.Enrollments) > 0 {
		var enrollments []mqtt.Enrollment
		if err := json.Unmarshal([]byte(service.Enrollments), &enrollments); err != nil {
			rlog.WithError(err).Fatalln("invalid DPS_EMULATOR_ENROLLMENTS")
		}
		for _, e := range enrollments {
			if err := responder.Enroll(e); err != nil {
				rlog.WithError(err).Fatalln("enroll")
			}
		}
		rlog.Infof("%d devices enrolled", len(enrollments))
	}

	router := mux.NewRouter()
	mqtt.NewAPI(&mqtt.APIBuilder{
		Responder: responder,
		Router:    router,
	})

	broker := mqtt.NewBroker(&mqtt.Builder{
		Responder: responder,
		Address:   service.Address,
		CertFile:  service.CertFile,
		KeyFile:   service.KeyFile,
	})

	rlog.Infoln("enrollment API listens on", service.HTTPAddress)
	go func() {
		err := http.ListenAndServe(service.HTTPAddress, handlers.CombinedLoggingHandler(os.Stdout, router))
		rlog.WithError(err).Errorln("enrollment API stopped")
	}()

	broker.Run()
}
