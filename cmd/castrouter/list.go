package main

import (
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go2tv.app/castrouter/devices"
	"go2tv.app/castrouter/internal/config"
	"go2tv.app/castrouter/mediarouter"
)

func newListCmd() *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the Cast devices found on the local network",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := config.GetAppConfig()
			if err != nil {
				return errors.Wrap(err, "list config error")
			}

			opts := []devices.Option{
				devices.WithQueryTimeout(wait),
				devices.WithMinBuild(conf.MinCastBuild),
			}
			if conf.Eureka {
				opts = append(opts, devices.WithEureka(devices.NewEurekaClient(conf.EurekaRetries)))
			}

			d := devices.NewDiscovery(opts...)
			d.Refresh()

			sinks := d.Sinks()
			if len(sinks) == 0 {
				return errors.New("no Cast devices found")
			}
			printSinks(cmd.OutOrStdout(), sinks)
			return nil
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 2*time.Second, "How long to wait for mDNS answers.")
	return cmd
}

func printSinks(w io.Writer, sinks []mediarouter.MediaSink) {
	boldStart := ""
	boldEnd := ""

	if runtime.GOOS == "linux" {
		boldStart = "\033[1m"
		boldEnd = "\033[0m"
	}

	fmt.Fprintln(w)
	for _, s := range sinks {
		fmt.Fprintf(w, "%s%s%s\n", boldStart, s.Name, boldEnd)
		fmt.Fprintf(w, "%s%s%s\n", boldStart, strings.Repeat("-", len(s.Name)), boldEnd)
		fmt.Fprintf(w, "%sID:%s      %s\n", boldStart, boldEnd, s.ID)
		fmt.Fprintf(w, "%sAddress:%s %s:%d\n", boldStart, boldEnd, s.Device.Host, s.Device.Port)
		if s.Device.Model != "" {
			fmt.Fprintf(w, "%sModel:%s   %s\n", boldStart, boldEnd, s.Device.Model)
		}
		if s.Device.BuildVersion != "" {
			fmt.Fprintf(w, "%sBuild:%s   %s\n", boldStart, boldEnd, s.Device.BuildVersion)
		}
		fmt.Fprintf(w, "%sCaps:%s    %s\n", boldStart, boldEnd, strings.Join(mediarouter.CapabilityNames(s.Device.Capabilities), ","))
		fmt.Fprintln(w)
	}
}
