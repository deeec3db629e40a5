package conf

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zhukovaskychina/xmysql-relay/logger"

	"gopkg.in/ini.v1"
)

var ConfigPath string

type CommandLineArgs struct {
	ConfigPath string
}

/*
*
bind-address	= 127.0.0.1
port		= 3307
backend-address	= 127.0.0.1
backend-port	= 3306
basedir		= /usr
datadir		= /var/lib/xmysql-relay
*/
type Cfg struct {
	Raw         *ini.File
	User        string
	BindAddress string
	Port        int
	BaseDir     string
	DataDir     string
	AppName     string

	ProfilePort int

	// backend
	BackendAddress string `default:"127.0.0.1" yaml:"backend_address" json:"backend_address,omitempty"`
	BackendPort    int    `default:"3306" yaml:"backend_port" json:"backend_port,omitempty"`

	// session
	SessionTimeout         string `default:"60s" yaml:"session_timeout" json:"session_timeout,omitempty"`
	SessionTimeoutDuration time.Duration
	SessionNumber          int `default:"1000" yaml:"session_number" json:"session_number,omitempty"`

	// app
	FailFastTimeout         string `default:"5s" yaml:"fail_fast_timeout" json:"fail_fast_timeout,omitempty"`
	FailFastTimeoutDuration time.Duration

	// logs
	LogError string `default:"/var/log/xmysql-relay/error.log" yaml:"log_error" json:"log_error,omitempty"`
	LogInfos string `default:"/var/log/xmysql-relay/relay.log" yaml:"log_infos" json:"log_infos,omitempty"`
	LogLevel string `default:"info" yaml:"log_level" json:"log_level,omitempty"`

	// capture
	Capture CaptureConfig

	// session tcp parameters
	MySQLSessionParam MySQLSessionParam `required:"true" yaml:"getty_session_param" json:"getty_session_param,omitempty"`
}

// CaptureConfig 抓包落盘配置
type CaptureConfig struct {
	Enabled        bool   `default:"false" yaml:"enabled" json:"enabled,omitempty"`
	Dir            string `default:"capture" yaml:"dir" json:"dir,omitempty"`
	Codec          string `default:"snappy" yaml:"codec" json:"codec,omitempty"`
	RotateSize     int    `default:"67108864" yaml:"rotate_size" json:"rotate_size,omitempty"`
	PreviewCharset string `default:"utf8" yaml:"preview_charset" json:"preview_charset,omitempty"`
}

type MySQLSessionParam struct {
	TcpNoDelay              bool   `default:"true" yaml:"tcp_no_delay" json:"tcp_no_delay,omitempty"`
	TcpKeepAlive            bool   `default:"true" yaml:"tcp_keep_alive" json:"tcp_keep_alive,omitempty"`
	KeepAlivePeriod         string `default:"180s" yaml:"keep_alive_period" json:"keep_alive_period,omitempty"`
	KeepAlivePeriodDuration time.Duration
	TcpRBufSize             int `default:"262144" yaml:"tcp_r_buf_size" json:"tcp_r_buf_size,omitempty"`
	TcpWBufSize             int `default:"65536" yaml:"tcp_w_buf_size" json:"tcp_w_buf_size,omitempty"`
	PkgRQSize               int
	PkgWQSize               int    `default:"1024" yaml:"pkg_wq_size" json:"pkg_wq_size,omitempty"`
	TcpReadTimeout          string `default:"1s" yaml:"tcp_read_timeout" json:"tcp_read_timeout,omitempty"`
	TcpReadTimeoutDuration  time.Duration
	TcpWriteTimeout         string `default:"5s" yaml:"tcp_write_timeout" json:"tcp_write_timeout,omitempty"`
	TcpWriteTimeoutDuration time.Duration
	WaitTimeout             string `default:"7s" yaml:"wait_timeout" json:"wait_timeout,omitempty"`
	WaitTimeoutDuration     time.Duration
	MaxMsgLen               int    `default:"16777220" yaml:"max_msg_len" json:"max_msg_len,omitempty"`
	SessionName             string `default:"relay-session" yaml:"session_name" json:"session_name,omitempty"`
}

func NewCfg() *Cfg {
	return &Cfg{
		Raw:         ini.Empty(),
		User:        "mysql",
		AppName:     "xmysql-relay",
		BindAddress: "127.0.0.1",
		Port:        3307,
		DataDir:     "data",
		// backend 默认配置
		BackendAddress: "127.0.0.1",
		BackendPort:    3306,
		// session 默认配置
		SessionTimeout:          "60s",
		SessionTimeoutDuration:  60 * time.Second,
		SessionNumber:           1000,
		FailFastTimeout:         "5s",
		FailFastTimeoutDuration: 5 * time.Second,
		// Logs 默认配置
		LogError: "/var/log/xmysql-relay/error.log",
		LogInfos: "/var/log/xmysql-relay/relay.log",
		LogLevel: "info",
		// Capture 默认配置
		Capture: CaptureConfig{
			Enabled:        false,
			Dir:            "capture",
			Codec:          "snappy",
			RotateSize:     67108864, // 64MB
			PreviewCharset: "utf8",
		},
		MySQLSessionParam: MySQLSessionParam{
			TcpNoDelay:              true,
			TcpKeepAlive:            true,
			KeepAlivePeriod:         "180s",
			KeepAlivePeriodDuration: 180 * time.Second,
			TcpRBufSize:             262144,
			TcpWBufSize:             65536,
			PkgRQSize:               1024,
			PkgWQSize:               1024,
			TcpReadTimeout:          "1s",
			TcpReadTimeoutDuration:  time.Second,
			TcpWriteTimeout:         "5s",
			TcpWriteTimeoutDuration: 5 * time.Second,
			WaitTimeout:             "7s",
			WaitTimeoutDuration:     7 * time.Second,
			MaxMsgLen:               16777220, // 16MB载荷加4字节报文头
			SessionName:             "relay-session",
		},
	}
}

func (cfg *Cfg) Load(args *CommandLineArgs) *Cfg {
	setHomePath(args)
	iniFile, err := cfg.loadConfiguration(args)
	if err != nil {
		logger.Debugf("加载配置文件时有异常: %v\n", err)
		os.Exit(1)
	}
	cfg.Raw = iniFile

	cfg.parseRelayCfg(cfg.Raw.Section("relay"))
	cfg.parseMysqlSessionCfg(cfg.Raw.Section("session"))
	cfg.parseCaptureCfg(cfg.Raw.Section("capture"))
	cfg.parseLogsCfg(cfg.Raw.Section("logs"))
	return cfg
}

func setHomePath(args *CommandLineArgs) {
	if args.ConfigPath != "" {
		ConfigPath = args.ConfigPath
		return
	}

	ConfigPath, _ = filepath.Abs(".")

}

func (cfg *Cfg) parseMysqlSessionCfg(section *ini.Section) *Cfg {
	if section == nil {
		return cfg
	}

	var err error

	cfg.MySQLSessionParam.TcpNoDelay = section.Key("tcp_no_delay").MustBool(cfg.MySQLSessionParam.TcpNoDelay)
	cfg.MySQLSessionParam.TcpKeepAlive = section.Key("tcp_keep_alive").MustBool(cfg.MySQLSessionParam.TcpKeepAlive)

	cfg.MySQLSessionParam.KeepAlivePeriod = section.Key("keep_alive_period").MustString(cfg.MySQLSessionParam.KeepAlivePeriod)
	cfg.MySQLSessionParam.KeepAlivePeriodDuration, err = time.ParseDuration(cfg.MySQLSessionParam.KeepAlivePeriod)
	if err != nil {
		logger.Error(fmt.Sprintf("time.ParseDuration(KeepAlivePeriod{%#v}) = error{%v}", cfg.MySQLSessionParam.KeepAlivePeriod, err))
		os.Exit(1)
	}

	cfg.MySQLSessionParam.TcpRBufSize = section.Key("tcp_r_buf_size").MustInt(cfg.MySQLSessionParam.TcpRBufSize)
	cfg.MySQLSessionParam.TcpWBufSize = section.Key("tcp_w_buf_size").MustInt(cfg.MySQLSessionParam.TcpWBufSize)
	cfg.MySQLSessionParam.PkgRQSize = section.Key("pkg_rq_size").MustInt(cfg.MySQLSessionParam.PkgRQSize)
	cfg.MySQLSessionParam.PkgWQSize = section.Key("pkg_wq_size").MustInt(cfg.MySQLSessionParam.PkgWQSize)

	cfg.MySQLSessionParam.TcpReadTimeout = section.Key("tcp_read_timeout").MustString(cfg.MySQLSessionParam.TcpReadTimeout)
	cfg.MySQLSessionParam.TcpReadTimeoutDuration, err = time.ParseDuration(cfg.MySQLSessionParam.TcpReadTimeout)
	if err != nil {
		panic(fmt.Sprintf("time.ParseDuration(TcpReadTimeout{%#v}) = error{%v}", cfg.MySQLSessionParam.TcpReadTimeout, err))
	}
	cfg.MySQLSessionParam.TcpWriteTimeout = section.Key("tcp_write_timeout").MustString(cfg.MySQLSessionParam.TcpWriteTimeout)
	cfg.MySQLSessionParam.TcpWriteTimeoutDuration, err = time.ParseDuration(cfg.MySQLSessionParam.TcpWriteTimeout)
	if err != nil {
		panic(fmt.Sprintf("time.ParseDuration(TcpWriteTimeout{%#v}) = error{%v}", cfg.MySQLSessionParam.TcpWriteTimeout, err))
	}
	cfg.MySQLSessionParam.WaitTimeout = section.Key("wait_timeout").MustString(cfg.MySQLSessionParam.WaitTimeout)
	cfg.MySQLSessionParam.WaitTimeoutDuration, err = time.ParseDuration(cfg.MySQLSessionParam.WaitTimeout)
	if err != nil {
		logger.Error(fmt.Sprintf("(WaitTimeout{%#v}) = error{%v}", cfg.MySQLSessionParam.WaitTimeout, err))
		os.Exit(1)
	}

	cfg.MySQLSessionParam.MaxMsgLen = section.Key("max_msg_len").MustInt(cfg.MySQLSessionParam.MaxMsgLen)
	cfg.MySQLSessionParam.SessionName = section.Key("session_name").MustString(cfg.MySQLSessionParam.SessionName)
	return cfg
}

func (cfg *Cfg) parseRelayCfg(section *ini.Section) *Cfg {
	if section == nil {
		return cfg
	}

	var err error
	bindAdress, err := valueAsString(section, "bind-address", cfg.BindAddress)
	if err != nil {
		logger.Error("读取地址异常", err)
		os.Exit(1)
	}
	ip := net.ParseIP(bindAdress)
	if ip == nil {
		logger.Error("IP地址异常", bindAdress)
		os.Exit(1)
	}
	cfg.BindAddress = bindAdress
	cfg.Port = section.Key("port").MustInt(cfg.Port)
	cfg.ProfilePort = section.Key("profile-port").MustInt(cfg.ProfilePort)

	backendAddress, err := valueAsString(section, "backend-address", cfg.BackendAddress)
	if err != nil {
		logger.Error("读取后端地址异常", err)
		os.Exit(1)
	}
	cfg.BackendAddress = backendAddress
	cfg.BackendPort = section.Key("backend-port").MustInt(cfg.BackendPort)

	cfg.AppName, _ = valueAsString(section, "app-name", cfg.AppName)
	cfg.BaseDir, _ = valueAsString(section, "basedir", cfg.BaseDir)
	cfg.DataDir, _ = valueAsString(section, "datadir", cfg.DataDir)

	cfg.SessionNumber = section.Key("max_session_number").MustInt(cfg.SessionNumber)

	cfg.SessionTimeout = section.Key("session_timeout").MustString(cfg.SessionTimeout)
	cfg.SessionTimeoutDuration, err = time.ParseDuration(cfg.SessionTimeout)
	if err != nil {
		logger.Error("超时配置异常")
		panic(fmt.Sprintf("time.ParseDuration(SessionTimeout{%#v}) = error{%v}", cfg.SessionTimeout, err))
	}

	cfg.FailFastTimeout = section.Key("fail_fast_timeout").MustString(cfg.FailFastTimeout)
	cfg.FailFastTimeoutDuration, err = time.ParseDuration(cfg.FailFastTimeout)
	if err != nil {
		panic(fmt.Sprintf("time.ParseDuration(FailFastTimeout{%#v}) = error{%v}", cfg.FailFastTimeout, err))
	}
	return cfg
}

func (cfg *Cfg) loadConfiguration(args *CommandLineArgs) (*ini.File, error) {
	// 如果没有指定配置文件路径，使用默认的conf/relay.ini
	configFile := "conf/relay.ini"
	if args.ConfigPath != "" {
		configFile = args.ConfigPath
	}

	// check if config file exists
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		logger.Debugf("配置文件不存在: %s，使用默认配置\n", configFile)
		return ini.Empty(), nil
	}

	// load configuration file
	parsedFile, err := ini.Load(configFile)
	if err != nil {
		logger.Debugf("解析配置文件失败: %v，使用默认配置\n", err)
		return ini.Empty(), nil
	}

	logger.Debugf("成功加载配置文件: %s\n", configFile)
	return parsedFile, nil
}

func valueAsString(section *ini.Section, keyName string, defaultValue string) (value string, err error) {
	if section == nil {
		return defaultValue, nil
	}
	value = section.Key(keyName).MustString(defaultValue)
	if value == "" {
		value = defaultValue
	}
	return value, nil
}

// GetString 获取配置项的字符串值
func (cfg *Cfg) GetString(key string) string {
	parts := strings.Split(key, ".")
	if len(parts) < 2 {
		return ""
	}

	section := cfg.Raw.Section(parts[0])
	if section == nil {
		return ""
	}

	value, err := valueAsString(section, strings.Join(parts[1:], "."), "")
	if err != nil {
		return ""
	}
	return value
}

// GetInt 获取配置项的整数值
func (cfg *Cfg) GetInt(key string) int {
	parts := strings.Split(key, ".")
	if len(parts) < 2 {
		return 0
	}

	section := cfg.Raw.Section(parts[0])
	if section == nil {
		return 0
	}

	return section.Key(strings.Join(parts[1:], ".")).MustInt(0)
}

func (cfg *Cfg) parseCaptureCfg(section *ini.Section) *Cfg {
	if section == nil {
		return cfg
	}

	cfg.Capture.Enabled = section.Key("enabled").MustBool(cfg.Capture.Enabled)

	dir, err := valueAsString(section, "dir", cfg.Capture.Dir)
	if err == nil {
		cfg.Capture.Dir = dir
	}

	codec, err := valueAsString(section, "codec", cfg.Capture.Codec)
	if err == nil {
		codec = strings.ToLower(codec)
		// 仅接受已知的压缩编码
		switch codec {
		case "snappy", "lz4", "raw":
			cfg.Capture.Codec = codec
		default:
			logger.Debugf("警告: 无效的压缩编码 '%s', 使用默认编码 'snappy'\n", codec)
			cfg.Capture.Codec = "snappy"
		}
	}

	cfg.Capture.RotateSize = section.Key("rotate_size").MustInt(cfg.Capture.RotateSize)

	previewCharset, err := valueAsString(section, "preview_charset", cfg.Capture.PreviewCharset)
	if err == nil {
		cfg.Capture.PreviewCharset = strings.ToLower(previewCharset)
	}

	return cfg
}

func (cfg *Cfg) parseLogsCfg(section *ini.Section) *Cfg {
	if section == nil {
		return cfg
	}

	// Parse log error
	logError, err := valueAsString(section, "log_error", cfg.LogError)
	if err == nil {
		cfg.LogError = logError
	}

	// Parse log infos
	logInfos, err := valueAsString(section, "log_infos", cfg.LogInfos)
	if err == nil {
		cfg.LogInfos = logInfos
	}

	// Parse log level
	logLevel, err := valueAsString(section, "log_level", cfg.LogLevel)
	if err == nil {
		cfg.LogLevel = strings.ToLower(logLevel)
		// 验证日志级别是否有效
		validLevels := []string{"debug", "info", "warn", "error", "fatal", "panic"}
		isValid := false
		for _, level := range validLevels {
			if cfg.LogLevel == level {
				isValid = true
				break
			}
		}
		if !isValid {
			logger.Debugf("警告: 无效的日志级别 '%s', 使用默认级别 'info'\n", logLevel)
			cfg.LogLevel = "info"
		}
	}

	return cfg
}
