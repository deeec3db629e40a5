package main

import (
	"flag"
	"fmt"

	"github.com/zhukovaskychina/xmysql-relay/logger"

	"github.com/zhukovaskychina/xmysql-relay/server/conf"
	"github.com/zhukovaskychina/xmysql-relay/server/net"
)

const help = `
**************************************************************

 __   __         _____   ______  _                 __     __
 \ \ / /        |  __ \ |  ____|| |         /\     \ \   / /
  \ V /  ______ | |__) || |__   | |        /  \     \ \_/ /
   > <  |______||  _  / |  __|  | |       / /\ \     \   /
  / . \         | | \ \ | |____ | |____  / ____ \     | |
 /_/ \_\        |_|  \_\|______||______|/_/    \_\    |_|

**************************************************************
*帮助:
*1. -- help
*2. -- configPath   指定relay.ini配置文件
**************************************************************
`

func main() {
	fmt.Println("Starting XMySQL Relay...")

	var configPath string
	flag.StringVar(&configPath, "configPath", "", "配置文件路径")
	flag.Usage = func() { fmt.Print(help) }
	flag.Parse()

	args := &conf.CommandLineArgs{
		ConfigPath: configPath,
	}

	config := conf.NewCfg().Load(args)
	logger.Debugf("Config loaded: error_log=%s, info_log=%s\n", config.LogError, config.LogInfos)

	logConfig := logger.LogConfig{
		ErrorLogPath: config.LogError,
		InfoLogPath:  config.LogInfos,
		LogLevel:     config.LogLevel,
	}
	if err := logger.InitLogger(logConfig); err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	logger.Infof("Logger initialized successfully with level: %s", config.LogLevel)

	relay := net.NewRelayServer(config)
	logger.Infof("Relay forwarding %s:%d -> %s:%d", config.BindAddress, config.Port,
		config.BackendAddress, config.BackendPort)
	relay.Start()
}
