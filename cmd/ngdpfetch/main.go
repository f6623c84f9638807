// Command ngdpfetch resolves a single content object (by file-data-id or
// a pre-hashed name) through a local CASC store, falling through to CDN
// archives and standalone files as needed, and writes the decoded bytes
// to stdout or a named file.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	"github.com/rpcpool/ngdp-retrieval/archiveindex"
	"github.com/rpcpool/ngdp-retrieval/casc"
	"github.com/rpcpool/ngdp-retrieval/cdn"
	"github.com/rpcpool/ngdp-retrieval/ckey"
	"github.com/rpcpool/ngdp-retrieval/config"
	"github.com/rpcpool/ngdp-retrieval/encoding"
	"github.com/rpcpool/ngdp-retrieval/internal/xlog"
	"github.com/rpcpool/ngdp-retrieval/keyring"
	"github.com/rpcpool/ngdp-retrieval/orchestrator"
	"github.com/rpcpool/ngdp-retrieval/roottable"
)

var gitCommitSHA = ""

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, syscall.SIGTERM, syscall.SIGINT)
		select {
		case <-interrupt:
			fmt.Println()
			klog.Info("received interrupt signal")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(interrupt)
	}()
	defer xlog.Flush()

	app := &cli.App{
		Name:        "ngdpfetch",
		Version:     gitCommitSHA,
		Description: "fetch a single content object through a local CASC store and CDN fallthrough",
		Flags:       xlog.Flags(),
		Commands: []*cli.Command{
			fetchCmd(),
		},
	}

	sort.Sort(cli.FlagsByName(app.Flags))
	sort.Sort(cli.CommandsByName(app.Commands))

	if err := app.RunContext(ctx, os.Args); err != nil {
		klog.Fatal(err)
	}
}

func fetchCmd() *cli.Command {
	return &cli.Command{
		Name:      "fetch",
		Usage:     "resolve one object and write its decoded bytes",
		ArgsUsage: "<file-data-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "build-config", Required: true, Usage: "path to the build config blob"},
			&cli.StringFlag{Name: "cdn-config", Required: true, Usage: "path to the CDN config blob"},
			&cli.StringSliceFlag{Name: "cdn-host", Required: true, Usage: "CDN host name, repeatable"},
			&cli.StringFlag{Name: "tenant-path", Value: "tpr/wow", Usage: "CDN tenant path"},
			&cli.StringFlag{Name: "store-dir", Required: true, Usage: "local CASC store directory"},
			&cli.StringFlag{Name: "keyring", Usage: "path to a text keyring file"},
			&cli.StringFlag{Name: "out", Usage: "output file path (default: stdout)"},
			&cli.Uint64Flag{Name: "locale-filter", Value: uint64(roottable.LocaleANY)},
		},
		Action: runFetch,
	}
}

func runFetch(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("expected exactly one file-data-id argument", 1)
	}
	fileDataID, err := strconv.ParseUint(c.Args().Get(0), 10, 32)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid file-data-id: %v", err), 1)
	}

	bcFile, err := os.Open(c.String("build-config"))
	if err != nil {
		return err
	}
	defer bcFile.Close()
	bc, err := config.ParseBuildConfig(bcFile)
	if err != nil {
		return err
	}

	ccFile, err := os.Open(c.String("cdn-config"))
	if err != nil {
		return err
	}
	defer ccFile.Close()
	cc, err := config.ParseCDNConfig(ccFile)
	if err != nil {
		return err
	}

	hosts := make([]cdn.Host, 0, len(c.StringSlice("cdn-host")))
	for i, name := range c.StringSlice("cdn-host") {
		hosts = append(hosts, cdn.Host{Name: name, SupportsHTTPS: true, Priority: i})
	}
	client := cdn.NewClient(cdn.NewHostList(hosts), cdn.DefaultOptions(c.String("tenant-path")))

	rootBytes, err := fetchConfigBlob(c.Context, client, bc.Root.String())
	if err != nil {
		return fmt.Errorf("fetching root: %w", err)
	}
	root, err := roottable.Parse(rootBytes)
	if err != nil {
		return fmt.Errorf("parsing root: %w", err)
	}

	encBytes, err := fetchConfigBlob(c.Context, client, bc.Encoding.String())
	if err != nil {
		return fmt.Errorf("fetching encoding: %w", err)
	}
	encTable, err := encoding.Parse(encBytes)
	if err != nil {
		return fmt.Errorf("parsing encoding: %w", err)
	}

	merged, err := loadArchiveIndexes(c.Context, client, cc.Archives)
	if err != nil {
		return fmt.Errorf("loading archive indexes: %w", err)
	}

	store, err := casc.Open(c.String("store-dir"), casc.DefaultOptions())
	if err != nil {
		return fmt.Errorf("opening local store: %w", err)
	}
	defer store.Close()

	var kr *keyring.Keyring
	if p := c.String("keyring"); p != "" {
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		kr, err = keyring.Load(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("loading keyring: %w", err)
		}
	}

	orch := orchestrator.New(root, encTable, merged, client, store, kr)

	out, err := orch.Resolve(c.Context, orchestrator.Request{
		FileDataID:    ckey.FileDataID(fileDataID),
		HasFileDataID: true,
		LocaleFilter:  uint32(c.Uint64("locale-filter")),
	})
	if err != nil {
		return fmt.Errorf("resolving file-data-id %d: %w", fileDataID, err)
	}
	klog.Infof("resolved file-data-id %d: %s", fileDataID, humanize.IBytes(uint64(len(out))))

	path := c.String("out")
	if path == "" {
		_, err = os.Stdout.Write(out)
		return err
	}
	return writeFileAtomic(path, out)
}

// writeFileAtomic writes to a uniquely-named temp file alongside path and
// renames it into place, so a reader never observes a partially written
// output file if the process is interrupted mid-write.
func writeFileAtomic(path string, data []byte) error {
	tmp := fmt.Sprintf("%s.%s.tmp", path, uuid.NewString())
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func fetchConfigBlob(ctx context.Context, client *cdn.Client, hash string) ([]byte, error) {
	return client.Get(ctx, cdn.ContentConfig, hash, 0, 0)
}

func loadArchiveIndexes(ctx context.Context, client *cdn.Client, archives []string) (*archiveindex.Merged, error) {
	indexes := make([]*archiveindex.Index, 0, len(archives))
	for _, hash := range archives {
		raw, err := client.GetIndex(ctx, cdn.ContentData, hash)
		if err != nil {
			return nil, fmt.Errorf("archive %s: %w", hash, err)
		}
		idx, err := archiveindex.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("archive %s: %w", hash, err)
		}
		indexes = append(indexes, idx)
	}
	return archiveindex.NewMerged(archives, indexes), nil
}
