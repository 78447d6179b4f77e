package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// fileConfig is the layout of the YAML config file. Zero values are treated
// as unset.
type fileConfig struct {
	DataDir  string `yaml:"data_dir"`
	HTTPPort int    `yaml:"http_port"`

	SIP struct {
		Mode         string   `yaml:"mode"`
		Server       string   `yaml:"server"`
		ServerPort   int      `yaml:"server_port"`
		Transport    string   `yaml:"transport"`
		Username     string   `yaml:"username"`
		AuthUsername string   `yaml:"auth_username"`
		Password     string   `yaml:"password"`
		Expiry       int      `yaml:"expiry"`
		Keepalive    string   `yaml:"keepalive"`
		RetryBase    string   `yaml:"retry_base"`
		ListenPort   int      `yaml:"listen_port"`
		Trace        string   `yaml:"trace"`
		Allow        []string `yaml:"allow"`
	} `yaml:"sip"`

	Media struct {
		RTPPortMin int    `yaml:"rtp_port_min"`
		RTPPortMax int    `yaml:"rtp_port_max"`
		ExternalIP string `yaml:"external_ip"`
	} `yaml:"media"`

	Audio struct {
		Channels      map[int]string `yaml:"channels"`
		ToneFrequency float64        `yaml:"tone_frequency"`
		ToneLevel     float64        `yaml:"tone_level"`
	} `yaml:"audio"`

	Engine struct {
		DialRate    float64 `yaml:"dial_rate"`
		DialBurst   int     `yaml:"dial_burst"`
		NotifyQueue int     `yaml:"notify_queue"`
	} `yaml:"engine"`

	Log struct {
		Level      string `yaml:"level"`
		Format     string `yaml:"format"`
		File       string `yaml:"file"`
		MaxSize    int    `yaml:"max_size"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAge     int    `yaml:"max_age"`
	} `yaml:"log"`
}

// loadFile reads the YAML config file and returns its settings keyed by
// flag name.
func loadFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return fc.values(), nil
}

func (fc *fileConfig) values() map[string]string {
	v := make(map[string]string)
	str := func(name, s string) {
		if s != "" {
			v[name] = s
		}
	}
	num := func(name string, n int) {
		if n != 0 {
			v[name] = strconv.Itoa(n)
		}
	}
	float := func(name string, f float64) {
		if f != 0 {
			v[name] = strconv.FormatFloat(f, 'g', -1, 64)
		}
	}

	str("data-dir", fc.DataDir)
	num("http-port", fc.HTTPPort)

	str("sip-mode", fc.SIP.Mode)
	str("sip-server", fc.SIP.Server)
	num("sip-server-port", fc.SIP.ServerPort)
	str("sip-transport", fc.SIP.Transport)
	str("sip-username", fc.SIP.Username)
	str("sip-auth-username", fc.SIP.AuthUsername)
	str("sip-password", fc.SIP.Password)
	num("sip-expiry", fc.SIP.Expiry)
	str("sip-keepalive", fc.SIP.Keepalive)
	str("sip-retry-base", fc.SIP.RetryBase)
	num("sip-port", fc.SIP.ListenPort)
	str("sip-trace", fc.SIP.Trace)
	str("sip-allow", strings.Join(fc.SIP.Allow, ","))

	num("rtp-port-min", fc.Media.RTPPortMin)
	num("rtp-port-max", fc.Media.RTPPortMax)
	str("external-ip", fc.Media.ExternalIP)

	if len(fc.Audio.Channels) > 0 {
		chans := make([]int, 0, len(fc.Audio.Channels))
		for ch := range fc.Audio.Channels {
			chans = append(chans, ch)
		}
		sort.Ints(chans)
		parts := make([]string, 0, len(chans))
		for _, ch := range chans {
			parts = append(parts, fmt.Sprintf("%d=%s", ch, fc.Audio.Channels[ch]))
		}
		v["channels"] = strings.Join(parts, ",")
	}
	float("tone-frequency", fc.Audio.ToneFrequency)
	float("tone-level", fc.Audio.ToneLevel)

	float("dial-rate", fc.Engine.DialRate)
	num("dial-burst", fc.Engine.DialBurst)
	num("notify-queue", fc.Engine.NotifyQueue)

	str("log-level", fc.Log.Level)
	str("log-format", fc.Log.Format)
	str("log-file", fc.Log.File)
	num("log-max-size", fc.Log.MaxSize)
	num("log-max-backups", fc.Log.MaxBackups)
	num("log-max-age", fc.Log.MaxAge)

	return v
}
