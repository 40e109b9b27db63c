package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pushkin/deployer/api"
	"github.com/pushkin/deployer/topology"
)

// confirmPhrase must be typed verbatim before a teardown.
const confirmPhrase = "delete everything"

var errAborted = errors.New("teardown aborted")

func interruptible(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt)
}

func newInitCommand(opts *rootOptions) *cobra.Command {
	var domain, certificate string
	cmd := &cobra.Command{
		Use:   "init PROJECT",
		Short: "Provision every resource of a new deployment",
		Long: "Provision the site, databases, broker, images and services of a project.\n" +
			"Re-running init resumes an interrupted or failed deployment.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := interruptible(cmd)
			defer stop()
			if cmd.Flags().Changed("domain") {
				opts.cfg.Domain = domain
			}

			store, err := openStore(opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer store.Close()

			d, err := opts.openDeployment(ctx, store, &newIdentity{projName: args[0], certificate: certificate})
			if err != nil {
				return err
			}
			defer d.close("init")
			if err := d.withPublisher(); err != nil {
				return err
			}
			p, err := d.project()
			if err != nil {
				return err
			}
			g, err := d.builder.Init(p)
			if err != nil {
				return err
			}
			_, err = d.run(ctx, "init", g)
			printSummary(cmd.OutOrStdout(), store.Snapshot())
			return err
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "custom domain with a public hosted zone (default: the CloudFront domain)")
	cmd.Flags().StringVar(&certificate, "certificate", "", "ACM certificate ARN for the custom domain (default: looked up by domain)")
	return cmd
}

func newUpdateCommand(opts *rootOptions) *cobra.Command {
	var domain string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Republish images and the site and roll the services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := interruptible(cmd)
			defer stop()

			store, err := openStore(opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer store.Close()

			d, err := opts.openDeployment(ctx, store, nil)
			if err != nil {
				return err
			}
			defer d.close("update")
			if cmd.Flags().Changed("domain") {
				if err := store.SetRootDomain(ctx, domain); err != nil {
					return err
				}
			}
			if err := d.withPublisher(); err != nil {
				return err
			}
			p, err := d.project()
			if err != nil {
				return err
			}
			g, err := d.builder.Update(p)
			if err != nil {
				return err
			}
			_, err = d.run(ctx, "update", g)
			printSummary(cmd.OutOrStdout(), store.Snapshot())
			return err
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "switch the deployment to this domain")
	return cmd
}

func newArmageddonCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "armageddon",
		Short: "Delete every recorded resource of the deployment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := interruptible(cmd)
			defer stop()

			store, err := openStore(opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer store.Close()
			desc := store.Snapshot()
			if desc.Info.ProjName == "" {
				return fmt.Errorf("no deployment recorded in %s", opts.cfg.Descriptor)
			}
			if err := confirm(cmd.InOrStdin(), cmd.OutOrStdout(), desc.Info.ProjName); err != nil {
				return err
			}

			d, err := opts.openDeployment(ctx, store, nil)
			if err != nil {
				return err
			}
			defer d.close("armageddon")
			p, err := d.project()
			if err != nil {
				return err
			}
			g, err := d.builder.Teardown(p, store.Snapshot())
			if err != nil {
				return err
			}
			if _, err := d.run(ctx, "armageddon", g); err != nil {
				left := store.Snapshot()
				fmt.Fprintf(cmd.OutOrStdout(), "%d resources remain recorded; re-run armageddon to retry.\n", left.Len())
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Project %s has been deleted.\n", desc.Info.ProjName)
			return nil
		},
	}
}

func newListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List the recorded resources",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer store.Close()
			printResources(cmd.OutOrStdout(), store.Snapshot())
			return nil
		},
	}
}

// confirm asks for confirmPhrase and then the project name.
func confirm(in io.Reader, out io.Writer, projName string) error {
	sc := bufio.NewScanner(in)
	ask := func(prompt, want string) error {
		fmt.Fprint(out, prompt)
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return err
			}
			return errAborted
		}
		if strings.TrimSpace(sc.Text()) != want {
			return errAborted
		}
		return nil
	}
	fmt.Fprintf(out, "This deletes every resource of project %q, including its databases.\n", projName)
	if err := ask(fmt.Sprintf("Type %q to continue: ", confirmPhrase), confirmPhrase); err != nil {
		return err
	}
	return ask("Type the project name to confirm: ", projName)
}

func printSummary(w io.Writer, desc api.Descriptor) {
	id := desc.Info
	if id.ProjName == "" {
		return
	}
	names := topology.NamesFor(id)
	fmt.Fprintf(w, "Project %s (%s)\n", id.ProjName, id.AWSName)
	if rec, ok := desc.Lookup(api.KindDistribution, names.Distribution); ok && rec.Attr(api.AttrDNSName) != "" {
		fmt.Fprintf(w, "  site:  https://%s\n", rec.Attr(api.AttrDNSName))
	}
	if rec, ok := desc.Lookup(api.KindLoadBalancer, names.LoadBalancer); ok && rec.Attr(api.AttrDNSName) != "" {
		fmt.Fprintf(w, "  api:   http://%s\n", rec.Attr(api.AttrDNSName))
	}
	if id.CustomDomain() {
		fmt.Fprintf(w, "  domain: https://%s (api at https://api.%s)\n", id.RootDomain, id.RootDomain)
	}
}

func printResources(w io.Writer, desc api.Descriptor) {
	recs := desc.Records()
	if len(recs) == 0 {
		fmt.Fprintln(w, "No recorded resources")
		return
	}
	fmt.Fprintf(w, "%-16s  %-32s  %-10s  %s\n", "KIND", "NAME", "STATUS", "ID")
	for _, r := range recs {
		name := r.Name
		if runes := []rune(name); len(runes) > 32 {
			name = string(runes[:32])
		}
		status := string(r.Status)
		if status == "" {
			status = string(api.StatusAvailable)
		}
		fmt.Fprintf(w, "%-16s  %-32s  %-10s  %s\n", r.Kind, name, status, r.ID)
	}
}
