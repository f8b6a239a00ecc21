package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/harunnryd/callrelay/pkg/relay"
	"github.com/harunnryd/callrelay/pkg/transports/twilio"
)

func main() {
	configPath := flag.String("config", "", "path to relay config (optional)")
	from := flag.String("from", "", "caller id")
	to := flag.String("to", "", "number to dial")
	voiceURL := flag.String("voice_url", "", "override the relay voice webhook")
	sendDigits := flag.String("send_digits", "", "DTMF to play once answered")
	flag.Parse()
	if *to == "" {
		fmt.Println("usage: make_call -to=+456 [-from=+123] [-config=...]")
		os.Exit(1)
	}
	cfg, err := relay.LoadConfig(*configPath)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}
	if *from == "" {
		*from = cfg.Twilio.CallerID
	}
	if *voiceURL == "" && cfg.Twilio.PublicURL == "" {
		fmt.Println("twilio.public_url is empty and no -voice_url given")
		os.Exit(1)
	}
	dialer := twilio.NewDialer(cfg.Twilio)
	callSID, err := dialer.DialWithOptions(context.Background(), *to, *from, *voiceURL, twilio.DialOptions{SendDigits: *sendDigits})
	if err != nil {
		fmt.Println("call error:", err)
		os.Exit(1)
	}
	fmt.Println("call_sid:", callSID)
}
