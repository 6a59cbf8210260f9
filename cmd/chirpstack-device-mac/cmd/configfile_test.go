package cmd

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/brocaar/chirpstack-device-mac/internal/config"
	"github.com/brocaar/chirpstack-device-mac/internal/test"
	"github.com/brocaar/lorawan"
)

func TestConfigFile(t *testing.T) {
	assert := require.New(t)

	in := test.GetConfig()
	in.Device.Activation = "abp"
	in.Device.ABP.DevAddr = lorawan.DevAddr{1, 2, 3, 4}
	in.Device.ABP.NetID = lorawan.NetID{1, 2, 3}
	in.Region.EnabledUplinkChannels = []int{0, 1, 2}
	in.ADR.Plugins = []string{"/usr/bin/adr-plugin"}
	in.Region.ExtraChannels = append(in.Region.ExtraChannels, struct {
		Frequency uint32 `mapstructure:"frequency"`
		MinDR     int    `mapstructure:"min_dr"`
		MaxDR     int    `mapstructure:"max_dr"`
	}{Frequency: 867100000, MaxDR: 5})

	var buf bytes.Buffer
	assert.NoError(writeConfig(&buf, in))

	v := viper.New()
	v.SetConfigType("toml")
	assert.NoError(v.ReadConfig(&buf))

	var out config.Config
	assert.NoError(v.Unmarshal(&out, viper.DecodeHook(decodeHook())))

	assert.Equal(in.Device, out.Device)
	assert.Equal(in.Region, out.Region)
	assert.Equal(in.MAC, out.MAC)
	assert.Equal(in.Radio, out.Radio)
	assert.Equal(in.ADR, out.ADR)
	assert.Equal(in.Redis.Servers, out.Redis.Servers)
	assert.Equal(in.FrameLog, out.FrameLog)
}

func TestViperDecodeJSONSlice(t *testing.T) {
	tests := []struct {
		name string
		from reflect.Kind
		to   reflect.Kind
		data interface{}
		out  interface{}
	}{
		{
			name: "json list",
			from: reflect.String,
			to:   reflect.Slice,
			data: `[{"frequency": 867100000}]`,
			out:  []map[string]interface{}{{"frequency": float64(867100000)}},
		},
		{
			name: "comma separated",
			from: reflect.String,
			to:   reflect.Slice,
			data: "a,b",
			out:  "a,b",
		},
		{
			name: "no slice",
			from: reflect.String,
			to:   reflect.Int,
			data: "[1]",
			out:  "[1]",
		},
	}

	for _, tst := range tests {
		t.Run(tst.name, func(t *testing.T) {
			assert := require.New(t)

			out, err := viperDecodeJSONSlice(tst.from, tst.to, tst.data)
			assert.NoError(err)
			assert.Equal(tst.out, out)
		})
	}
}
