package provisioning

import (
	"fmt"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/joeshaw/envdecode"
	"github.com/relabs-tech/dps/iot"
)

// APIVersion is the version of the provisioning service API spoken by this client
const APIVersion = "2019-03-31"

// UserAgent identifies this client to the provisioning service
const UserAgent = "relabs-dps-go/1.0"

// Defaults for the timing configuration
const (
	DefaultResponseTimeout  = 30 * time.Second
	DefaultPollingInterval  = 2 * time.Second
	DefaultProvisioningHost = "global.azure-devices-provisioning.net"
	DefaultPort             = 8883
)

// Config is the configuration of a provisioning client. It can be read from the environment
// with ConfigFromEnv.
type Config struct {
	ProvisioningHost string        `env:"DPS_PROVISIONING_HOST,optional,default=global.azure-devices-provisioning.net" description:"the host name of the provisioning service"`
	Port             int           `env:"DPS_PORT,optional,default=8883" description:"the MQTT port of the provisioning service"`
	Insecure         bool          `env:"DPS_INSECURE,optional,default=false" description:"connect without TLS, only meant for the local emulator"`
	IDScope          string        `env:"DPS_ID_SCOPE,required" description:"the id scope of the provisioning service instance"`
	RegistrationID   string        `env:"DPS_REGISTRATION_ID,required" description:"the registration id of this device"`
	SymmetricKey     string        `env:"DPS_SYMMETRIC_KEY,required" description:"the base64 encoded symmetric key of the enrollment"`
	Payload          string        `env:"DPS_PAYLOAD,optional" description:"optional JSON document sent to custom allocation policies"`
	ResponseTimeout  time.Duration `env:"DPS_RESPONSE_TIMEOUT,optional,default=30s" description:"how long to wait for a response of the service"`
	PollingInterval  time.Duration `env:"DPS_POLLING_INTERVAL,optional,default=2s" description:"polling interval if the service does not send retry-after"`
	LogLevel         string        `env:"DPS_LOG_LEVEL,optional,default=info" description:"The level used for logger, can be debug, warning, info, error"`
}

// ConfigFromEnv decodes a configuration from the environment and validates it
func ConfigFromEnv() (*Config, error) {
	config := &Config{}
	if err := envdecode.Decode(config); err != nil {
		return nil, fmt.Errorf("%w: %w", iot.ErrConfiguration, err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks the configuration and fills in defaults for zero values
func (c *Config) Validate() error {
	if len(c.IDScope) == 0 {
		return fmt.Errorf("%w: id scope is missing", iot.ErrConfiguration)
	}
	if len(c.RegistrationID) == 0 {
		return fmt.Errorf("%w: registration id is missing", iot.ErrConfiguration)
	}
	if len(c.ProvisioningHost) == 0 {
		c.ProvisioningHost = DefaultProvisioningHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", iot.ErrConfiguration, c.Port)
	}
	if c.ResponseTimeout == 0 {
		c.ResponseTimeout = DefaultResponseTimeout
	}
	if c.PollingInterval == 0 {
		c.PollingInterval = DefaultPollingInterval
	}
	if c.ResponseTimeout < 0 || c.PollingInterval < 0 {
		return fmt.Errorf("%w: negative timing configuration", iot.ErrConfiguration)
	}
	if len(c.Payload) > 0 && !json.Valid([]byte(c.Payload)) {
		return fmt.Errorf("%w: payload is not valid JSON", iot.ErrConfiguration)
	}
	return nil
}

// Username returns the MQTT user name the provisioning service expects
func (c *Config) Username() string {
	return c.IDScope + "/registrations/" + c.RegistrationID +
		"/api-version=" + APIVersion + "&ClientVersion=" + url.QueryEscape(UserAgent)
}
