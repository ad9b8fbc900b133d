// Package main implements natscli — a command-line client for the bus:
// publish, subscribe, request, and a small publish benchmark, with named
// connection contexts stored as TOML files.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/yanun0323/logs"

	"github.com/Thejuampi/nats-client-go/nats"
)

var (
	flagServer  string
	flagContext string
	flagCreds   string
	flagUser    string
	flagPass    string
	flagToken   string
	flagTimeout time.Duration
	flagQueue   string
	flagCount   int
)

func main() {
	root := &cobra.Command{
		Use:           "natscli",
		Short:         "Command-line client for the message bus",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	persistent := root.PersistentFlags()
	persistent.StringVarP(&flagServer, "server", "s", "", "server URL (nats://host:port)")
	persistent.StringVar(&flagContext, "context", "", "named connection context")
	persistent.StringVar(&flagCreds, "creds", "", "chained credentials file")
	persistent.StringVar(&flagUser, "user", "", "username")
	persistent.StringVar(&flagPass, "password", "", "password")
	persistent.StringVar(&flagToken, "token", "", "authentication token")
	persistent.DurationVar(&flagTimeout, "timeout", 2*time.Second, "request timeout")

	subCmd := &cobra.Command{
		Use:   "sub <subject>",
		Short: "Subscribe and print messages until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE:  runSub,
	}
	subCmd.Flags().StringVar(&flagQueue, "queue", "", "queue group")

	pubCmd := &cobra.Command{
		Use:   "pub <subject> <payload>",
		Short: "Publish a message",
		Args:  cobra.ExactArgs(2),
		RunE:  runPub,
	}
	pubCmd.Flags().IntVar(&flagCount, "count", 1, "publish the message this many times")

	reqCmd := &cobra.Command{
		Use:   "req <subject> <payload>",
		Short: "Send a request and print the reply",
		Args:  cobra.ExactArgs(2),
		RunE:  runReq,
	}

	benchCmd := &cobra.Command{
		Use:   "bench <subject>",
		Short: "Publish a burst of messages and report the rate",
		Args:  cobra.ExactArgs(1),
		RunE:  runBench,
	}
	benchCmd.Flags().IntVar(&flagCount, "count", 100000, "messages to publish")

	ctxCmd := &cobra.Command{
		Use:   "context save <name>",
		Short: "Save the current connection flags as a named context",
		Args:  cobra.ExactArgs(2),
		RunE:  runContextSave,
	}

	root.AddCommand(subCmd, pubCmd, reqCmd, benchCmd, ctxCmd)

	if err := root.Execute(); err != nil {
		logs.Errorf("natscli: %v", err)
		os.Exit(1)
	}
}

// buildClient assembles a connected client from the context file and flags;
// flags win over context values.
func buildClient(flags *pflag.FlagSet) (*nats.Client, error) {
	settings := &cliContext{}
	if flagContext != "" {
		loaded, err := loadContext(flagContext)
		if err != nil {
			return nil, fmt.Errorf("load context %q: %w", flagContext, err)
		}
		settings = loaded
	}

	if flags.Changed("server") {
		settings.URL = flagServer
	}
	if flags.Changed("creds") {
		settings.Creds = flagCreds
	}
	if flags.Changed("user") {
		settings.User = flagUser
	}
	if flags.Changed("password") {
		settings.Password = flagPass
	}
	if flags.Changed("token") {
		settings.Token = flagToken
	}
	if settings.URL == "" && len(settings.Servers) == 0 {
		settings.URL = nats.DefaultURI
	}

	client := nats.NewClient("natscli")
	if len(settings.Servers) > 0 {
		client.SetServers(settings.Servers)
	}
	if settings.User != "" {
		client.SetUserInfo(settings.User, settings.Password)
	}
	if settings.Token != "" {
		client.SetToken(settings.Token)
	}
	if settings.Creds != "" {
		if err := client.SetCredentials(settings.Creds); err != nil {
			return nil, err
		}
	}

	client.SetErrorHandler(func(err error) {
		logs.Errorf("async error: %v", err)
	})
	client.SetReconnectHandler(func(c *nats.Client) {
		logs.Infof("reconnected to %s", c.ConnectedURL())
	})
	client.SetDisconnectHandler(func(*nats.Client) {
		logs.Info("disconnected")
	})

	var err error
	if settings.URL != "" {
		err = client.Connect(settings.URL)
	} else {
		err = client.Connect()
	}
	if err != nil {
		return nil, err
	}
	logs.Infof("connected to %s", client.ConnectedURL())
	return client, nil
}

func runSub(cmd *cobra.Command, args []string) error {
	client, err := buildClient(cmd.Flags())
	if err != nil {
		return err
	}
	defer client.Close()

	subject := args[0]
	handler := func(msg *nats.Msg) error {
		if msg.Reply != "" {
			logs.Infof("[%s] (reply: %s) %s", msg.Subject, msg.Reply, msg.Data)
		} else {
			logs.Infof("[%s] %s", msg.Subject, msg.Data)
		}
		return nil
	}

	var sid int64
	if flagQueue != "" {
		sid, err = client.QueueSubscribe(subject, flagQueue, handler)
	} else {
		sid, err = client.Subscribe(subject, handler)
	}
	if err != nil {
		return err
	}
	logs.Infof("subscribed to %s (sid %d)", subject, sid)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals
	return nil
}

func runPub(cmd *cobra.Command, args []string) error {
	client, err := buildClient(cmd.Flags())
	if err != nil {
		return err
	}
	defer client.Close()

	subject, payload := args[0], []byte(args[1])
	for i := 0; i < flagCount; i++ {
		if err := client.Publish(subject, payload); err != nil {
			return err
		}
	}
	if err := client.Flush(); err != nil {
		return err
	}
	logs.Infof("published %d message(s) to %s", flagCount, subject)
	return nil
}

func runReq(cmd *cobra.Command, args []string) error {
	client, err := buildClient(cmd.Flags())
	if err != nil {
		return err
	}
	defer client.Close()

	reply, err := client.RequestOne(args[0], []byte(args[1]), flagTimeout)
	if err != nil {
		return err
	}
	logs.Infof("reply: %s", reply.Data)
	return nil
}

func runBench(cmd *cobra.Command, args []string) error {
	client, err := buildClient(cmd.Flags())
	if err != nil {
		return err
	}
	defer client.Close()

	subject := args[0]
	payload := []byte("benchmark-payload-0123456789")

	started := time.Now()
	for i := 0; i < flagCount; i++ {
		if err := client.Publish(subject, payload); err != nil {
			return err
		}
	}
	if err := client.Flush(); err != nil {
		return err
	}
	elapsed := time.Since(started)

	rate := float64(flagCount) / elapsed.Seconds()
	logs.Infof("published %d messages in %v (%s msgs/sec)",
		flagCount, elapsed.Round(time.Millisecond), strconv.FormatFloat(rate, 'f', 0, 64))
	return nil
}

func runContextSave(cmd *cobra.Command, args []string) error {
	if args[0] != "save" {
		return fmt.Errorf("unknown context subcommand %q", args[0])
	}
	name := args[1]
	saved := &cliContext{
		URL:      flagServer,
		Creds:    flagCreds,
		User:     flagUser,
		Password: flagPass,
		Token:    flagToken,
	}
	if err := saveContext(name, saved); err != nil {
		return err
	}
	logs.Infof("context %q saved", name)
	return nil
}
