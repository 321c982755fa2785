package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/harunnryd/voca/pkg/configutil"
	"github.com/harunnryd/voca/pkg/telephony/twilio"
	"github.com/harunnryd/voca/pkg/voca"
)

func main() {
	configPath := flag.String("config", "config.yaml", "")
	from := flag.String("from", "", "")
	to := flag.String("to", "", "")
	flag.Parse()
	if *from == "" || *to == "" {
		fmt.Println("usage: make_call -from=+123 -to=+456 [-config=...]")
		os.Exit(1)
	}
	cfg, err := voca.LoadConfig(*configPath)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}
	if cfg.Dialer.Provider != "twilio" {
		fmt.Println("dialer.provider must be twilio for this script")
		os.Exit(1)
	}
	var settings twilio.Config
	if err := configutil.DecodeSettings(cfg.Dialer.Settings, &settings); err != nil {
		fmt.Println("settings error:", err)
		os.Exit(1)
	}
	callID, err := twilio.NewDialer(settings).Dial(context.Background(), *to, *from)
	if err != nil {
		fmt.Println("call error:", err)
		os.Exit(1)
	}
	fmt.Println("call_id:", callID)
}
