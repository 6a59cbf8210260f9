package config

import (
	"time"

	"github.com/brocaar/lorawan"
	"github.com/brocaar/lorawan/band"
)

// Version defines the ChirpStack Device MAC version.
var Version string

// C holds the global configuration.
var C Config

// Config defines the configuration structure.
type Config struct {
	General struct {
		LogLevel    int  `mapstructure:"log_level"`
		LogToSyslog bool `mapstructure:"log_to_syslog"`
	} `mapstructure:"general"`

	PostgreSQL struct {
		DSN                string `mapstructure:"dsn"`
		Automigrate        bool   `mapstructure:"automigrate"`
		MaxOpenConnections int    `mapstructure:"max_open_connections"`
		MaxIdleConnections int    `mapstructure:"max_idle_connections"`
	} `mapstructure:"postgresql"`

	Redis struct {
		URL        string   `mapstructure:"url"` // deprecated
		Servers    []string `mapstructure:"servers"`
		Cluster    bool     `mapstructure:"cluster"`
		MasterName string   `mapstructure:"master_name"`
		PoolSize   int      `mapstructure:"pool_size"`
		Password   string   `mapstructure:"password"`
		Database   int      `mapstructure:"database"`
		TLSEnabled bool     `mapstructure:"tls_enabled"`
		KeyPrefix  string   `mapstructure:"key_prefix"`
	} `mapstructure:"redis"`

	Device struct {
		DevEUI     lorawan.EUI64     `mapstructure:"dev_eui"`
		JoinEUI    lorawan.EUI64     `mapstructure:"join_eui"`
		AppKey     lorawan.AES128Key `mapstructure:"app_key"`
		NwkKey     lorawan.AES128Key `mapstructure:"nwk_key"`
		Activation string            `mapstructure:"activation"`
		MACVersion string            `mapstructure:"mac_version"`
		Class      string            `mapstructure:"class"`
		ADR        bool              `mapstructure:"adr"`

		PingSlotPeriodicity int `mapstructure:"ping_slot_periodicity"`

		ABP struct {
			DevAddr     lorawan.DevAddr   `mapstructure:"dev_addr"`
			NetID       lorawan.NetID     `mapstructure:"net_id"`
			AppSKey     lorawan.AES128Key `mapstructure:"app_s_key"`
			FNwkSIntKey lorawan.AES128Key `mapstructure:"f_nwk_s_int_key"`
			SNwkSIntKey lorawan.AES128Key `mapstructure:"s_nwk_s_int_key"`
			NwkSEncKey  lorawan.AES128Key `mapstructure:"nwk_s_enc_key"`
		} `mapstructure:"abp"`

		Uplink struct {
			Interval  time.Duration `mapstructure:"interval"`
			FPort     uint8         `mapstructure:"f_port"`
			Confirmed bool          `mapstructure:"confirmed"`
			NbTrials  int           `mapstructure:"nb_trials"`
			Payload   string        `mapstructure:"payload"`
		} `mapstructure:"uplink"`

		Join struct {
			DR            int           `mapstructure:"dr"`
			RetryInterval time.Duration `mapstructure:"retry_interval"`
		} `mapstructure:"join"`

		NVM struct {
			Backend string `mapstructure:"backend"`
			KEK     string `mapstructure:"kek"`
		} `mapstructure:"nvm"`
	} `mapstructure:"device"`

	Region struct {
		Name                   band.Name `mapstructure:"name"`
		RepeaterCompatible     bool      `mapstructure:"repeater_compatible"`
		UplinkDwellTime400ms   bool      `mapstructure:"uplink_dwell_time_400ms"`
		DownlinkDwellTime400ms bool      `mapstructure:"downlink_dwell_time_400ms"`
		UplinkMaxEIRP          float32   `mapstructure:"uplink_max_eirp"`
		DutyCycle              bool      `mapstructure:"duty_cycle"`
		EnabledUplinkChannels  []int     `mapstructure:"enabled_uplink_channels"`

		ExtraChannels []struct {
			Frequency uint32 `mapstructure:"frequency"`
			MinDR     int    `mapstructure:"min_dr"`
			MaxDR     int    `mapstructure:"max_dr"`
		} `mapstructure:"extra_channels"`
	} `mapstructure:"region"`

	MAC struct {
		ADRAckLimit      int           `mapstructure:"adr_ack_limit"`
		ADRAckDelay      int           `mapstructure:"adr_ack_delay"`
		MinRxSymbols     int           `mapstructure:"min_rx_symbols"`
		SystemMaxRxError time.Duration `mapstructure:"system_max_rx_error"`
		AntennaGain      float32       `mapstructure:"antenna_gain"`
		PublicNetwork    bool          `mapstructure:"public_network"`
	} `mapstructure:"mac"`

	Radio struct {
		Backend   string        `mapstructure:"backend"`
		Marshaler string        `mapstructure:"marshaler"`
		GatewayID lorawan.EUI64 `mapstructure:"gateway_id"`
		RSSI      int16         `mapstructure:"rssi"`
		SNR       int8          `mapstructure:"snr"`

		MQTT struct {
			Server               string        `mapstructure:"server"`
			Username             string        `mapstructure:"username"`
			Password             string        `mapstructure:"password"`
			QOS                  uint8         `mapstructure:"qos"`
			CleanSession         bool          `mapstructure:"clean_session"`
			ClientID             string        `mapstructure:"client_id"`
			CACert               string        `mapstructure:"ca_cert"`
			TLSCert              string        `mapstructure:"tls_cert"`
			TLSKey               string        `mapstructure:"tls_key"`
			EventTopicTemplate   string        `mapstructure:"event_topic_template"`
			CommandTopicTemplate string        `mapstructure:"command_topic_template"`
			MaxReconnectInterval time.Duration `mapstructure:"max_reconnect_interval"`
		} `mapstructure:"mqtt"`

		AMQP struct {
			URL                       string `mapstructure:"url"`
			CommandQueueName          string `mapstructure:"command_queue_name"`
			CommandRoutingKeyTemplate string `mapstructure:"command_routing_key_template"`
			EventRoutingKeyTemplate   string `mapstructure:"event_routing_key_template"`
		} `mapstructure:"amqp"`
	} `mapstructure:"radio"`

	ADR struct {
		Plugins []string `mapstructure:"plugins"`
		Handler string   `mapstructure:"handler"`
	} `mapstructure:"adr"`

	FrameLog struct {
		Enabled      bool  `mapstructure:"enabled"`
		StreamMaxLen int64 `mapstructure:"stream_max_len"`
	} `mapstructure:"frame_log"`

	Monitoring struct {
		Bind                string `mapstructure:"bind"`
		PrometheusEndpoint  bool   `mapstructure:"prometheus_endpoint"`
		HealthcheckEndpoint bool   `mapstructure:"healthcheck_endpoint"`
	} `mapstructure:"monitoring"`
}
