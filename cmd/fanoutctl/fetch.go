package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ambiyansyah-risyal/fanout"
)

type FetchOptions struct {
	GlobalOptions

	Endpoint string
	ID       string
	Params   []string
	Token    string
	Timeout  time.Duration

	params fanout.Params
}

func DefaultFetchOptions() *FetchOptions {
	return &FetchOptions{
		GlobalOptions: DefaultGlobalOptions(),
		Timeout:       30 * time.Second,
	}
}

func NewCmdFetch() *cobra.Command {
	o := DefaultFetchOptions()
	cmd := &cobra.Command{
		Use:   "fetch --endpoint NAME [--id ID] [--param key=value]...",
		Short: "Invoke one loader and print its classified result.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Complete(cmd, args); err != nil {
				return err
			}
			if err := o.Validate(args); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), o.Timeout)
			defer cancel()
			return o.Run(ctx, cmd.OutOrStdout())
		},
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	return cmd
}

func (o *FetchOptions) Bind(fs *pflag.FlagSet) {
	o.GlobalOptions.Bind(fs)
	fs.StringVarP(&o.Endpoint, "endpoint", "e", o.Endpoint, "Loader name.")
	fs.StringVar(&o.ID, "id", o.ID, "Identifier substituted into the endpoint path.")
	fs.StringArrayVarP(&o.Params, "param", "p", o.Params, "Parameter as key=value; repeat a key for a list.")
	fs.StringVar(&o.Token, "token", o.Token, "End-user access token for authenticated loaders.")
	fs.DurationVar(&o.Timeout, "timeout", o.Timeout, "Overall deadline.")
}

func (o *FetchOptions) Complete(cmd *cobra.Command, args []string) error {
	params, err := parseParams(o.Params)
	if err != nil {
		return err
	}
	o.params = params
	return nil
}

func (o *FetchOptions) Validate(args []string) error {
	if o.Endpoint == "" {
		return errors.New("--endpoint is required")
	}
	if o.Timeout <= 0 {
		return errors.New("--timeout must be positive")
	}
	return nil
}

func (o *FetchOptions) Run(ctx context.Context, out io.Writer) error {
	cfg, err := fanout.LoadConfig(o.ConfigFile)
	if err != nil {
		return err
	}
	gw, err := fanout.Build(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = gw.Shutdown(context.Background())
	}()

	if err := gw.Start(ctx); err != nil {
		return err
	}
	if gw.Credentials != nil {
		waitForCredential(ctx, gw.Credentials)
	}

	loaders := gw.ForRequest(fanout.RequestContext{UserToken: o.Token})
	loader, ok := loaders.Get(o.Endpoint)
	if !ok {
		return fmt.Errorf("unknown endpoint %q", o.Endpoint)
	}

	resp, err := loader.Load(ctx, o.ID, o.params)
	if err != nil {
		fmt.Fprintf(out, "kind: %s\nerror: %v\n", fanout.KindOf(err), err)
		return err
	}

	fmt.Fprintf(out, "status: %d\ncached: %t\n", resp.StatusCode, resp.Cached)
	for name, values := range resp.Header {
		fmt.Fprintf(out, "header %s: %s\n", name, strings.Join(values, ", "))
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, resp.Body, "", "  ") == nil {
		_, err = pretty.WriteTo(out)
	} else {
		_, err = out.Write(resp.Body)
	}
	fmt.Fprintln(out)
	return err
}

// waitForCredential gives a freshly started credential manager a moment
// before app-authenticated loaders run.
func waitForCredential(ctx context.Context, m *fanout.CredentialManager) {
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	deadline := time.After(5 * time.Second)
	for m.State() != fanout.CredentialReady {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case <-tick.C:
		}
	}
}

// parseParams turns key=value pairs into Params. A repeated key becomes a list.
func parseParams(pairs []string) (fanout.Params, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	grouped := map[string][]string{}
	var order []string
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --param %q, expected key=value", p)
		}
		if _, seen := grouped[k]; !seen {
			order = append(order, k)
		}
		grouped[k] = append(grouped[k], v)
	}

	params := fanout.Params{}
	for _, k := range order {
		if vs := grouped[k]; len(vs) == 1 {
			params[k] = vs[0]
		} else {
			params[k] = vs
		}
	}
	return params, nil
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
