package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/geoyee/tilevault/internal/config"
	"github.com/geoyee/tilevault/internal/download"
	"github.com/geoyee/tilevault/internal/engine"
	"github.com/geoyee/tilevault/internal/ledger"
	"github.com/geoyee/tilevault/internal/logging"
	"github.com/geoyee/tilevault/internal/model"
	"github.com/geoyee/tilevault/internal/source"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// CLI is the command line of tilevault.
type CLI struct {
	EnvFile  []string `help:"Env files to load; later files override earlier ones." default:".env,.env.local"`
	AppDir   string   `help:"Directory receiving downloaded maps." env:"TILEVAULT_APP_DIR"`
	LogLevel string   `help:"Log level (debug, info, warn, error)." env:"TILEVAULT_LOG_LEVEL"`
	Dev      bool     `help:"Human readable logs."`

	Download struct {
		Source      string `arg:"" help:"Tile URL template with {z} {x} {y} or {-y}, or a bucket URL (file://, s3://, gs://, azblob://)."`
		Bbox        string `required:"" help:"Area of interest: min_lon,min_lat,max_lon,max_lat. Use --bbox=... when it starts with a minus sign."`
		MinZoom     int    `default:"0" help:"Minimum zoom level."`
		MaxZoom     int    `default:"18" help:"Maximum zoom level, inclusive."`
		Family      string `default:"generic" help:"Source family: ${families}."`
		Layer       string `help:"Source layer name, recorded in the descriptor."`
		Licensed    bool   `help:"The source requires a license."`
		KeyTemplate string `help:"Tile key template inside a bucket source." default:"{z}/{x}/{y}.png"`
		TileSize    int    `default:"256" help:"Tile size in pixels."`
		Workers     int    `help:"Number of download workers (default from configuration)."`
		Timeout     string `help:"Per-tile fetch timeout, e.g. 30s; 0 disables."`
		Rate        int    `help:"Maximum requests per second."`
		Proxy       string `help:"Proxy URL (e.g. http://127.0.0.1:7890)."`
		UserAgent   string `help:"User agent sent to tile servers."`
		Referer     string `help:"Referer sent to tile servers."`
		NoProgress  bool   `help:"Do not render a progress bar."`
	} `cmd:"" help:"Download a tile pyramid into a new map."`

	Discover struct {
		Roots []string `arg:"" help:"Directories to scan for maps." type:"existingdir"`
	} `cmd:"" help:"List the maps carrying a descriptor under the given directories."`

	Seek struct {
		Folder string `arg:"" help:"Folder inside a tile pyramid." type:"existingdir"`
	} `cmd:"" help:"Find or import the map containing a folder."`

	Ledger struct {
		Show struct {
			Root string `arg:"" help:"Map directory." type:"existingdir"`
		} `cmd:"" help:"Show the repair/update ledger of a map."`
		Repair struct {
			Root    string `arg:"" help:"Map directory." type:"existingdir"`
			Missing int64  `arg:"" help:"Missing tiles after the repair."`
		} `cmd:"" help:"Record a repair of a map."`
		Update struct {
			Root    string `arg:"" help:"Map directory." type:"existingdir"`
			Missing int64  `arg:"" help:"Missing tiles after the update."`
		} `cmd:"" help:"Record an update of a map."`
	} `cmd:"" help:"Inspect or record map repairs and updates."`

	Delete struct {
		Root string `arg:"" help:"Map directory." type:"existingdir"`
	} `cmd:"" help:"Delete a map and its tiles."`

	Version struct {
	} `cmd:"" help:"Show the program version."`
}

func newParser(cli *CLI, stdout io.Writer) (*kong.Kong, error) {
	return kong.New(cli,
		kong.Name("tilevault"),
		kong.Description("Download tile pyramids and manage file based maps."),
		kong.Vars{"families": strings.Join(source.Names(), ", ")},
		kong.Writers(stdout, os.Stderr),
		kong.UsageOnError(),
	)
}

func main() {
	if len(os.Args) < 2 {
		os.Args = append(os.Args, "--help")
	}

	var cli CLI
	parser, err := newParser(&cli, os.Stdout)
	if err != nil {
		panic(err)
	}
	kctx, err := parser.Parse(joinValueFlags(os.Args[1:]))
	parser.FatalIfErrorf(err)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, kctx.Command(), &cli, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "tilevault: %v\n", err)
		os.Exit(1)
	}
}

// valueFlags take values that may start with a minus sign.
var valueFlags = map[string]bool{"--bbox": true}

// joinValueFlags rewrites "--bbox -1,2,3,4" as "--bbox=-1,2,3,4" so the value is
// not read as a short flag.
func joinValueFlags(args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if valueFlags[args[i]] && i+1 < len(args) {
			out = append(out, args[i]+"="+args[i+1])
			i++
			continue
		}
		out = append(out, args[i])
	}
	return out
}

// commandPath drops the positional placeholders of a kong command.
func commandPath(command string) string {
	var words []string
	for _, w := range strings.Fields(command) {
		if !strings.HasPrefix(w, "<") {
			words = append(words, w)
		}
	}
	return strings.Join(words, " ")
}

func run(ctx context.Context, command string, cli *CLI, out io.Writer) error {
	command = commandPath(command)
	if command == "version" {
		fmt.Fprintf(out, "tilevault %s, commit %s, built at %s\n", version, commit, date)
		return nil
	}

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		return err
	}
	defer logger.Sync()

	eng, err := engine.New(cfg, logger, nil)
	if err != nil {
		return err
	}

	switch command {
	case "download":
		return runDownload(ctx, eng, cli, out)
	case "discover":
		for _, m := range eng.Discover(ctx, cli.Discover.Roots) {
			printMap(out, m)
		}
		return nil
	case "seek":
		m, status, err := eng.Seek(ctx, cli.Seek.Folder)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\n", status)
		printMap(out, m)
		return nil
	case "ledger show":
		m, err := eng.OpenMap(cli.Ledger.Show.Root)
		if err != nil {
			return err
		}
		_, ok, err := ledger.Read(m.Root())
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintf(out, "no ledger at %s\n", ledger.Path(m.Root()))
		}
		printMap(out, m)
		return nil
	case "ledger repair":
		m, err := eng.RecordRepair(cli.Ledger.Repair.Root, cli.Ledger.Repair.Missing)
		if err != nil {
			return err
		}
		printMap(out, m)
		return nil
	case "ledger update":
		m, err := eng.RecordUpdate(cli.Ledger.Update.Root, cli.Ledger.Update.Missing)
		if err != nil {
			return err
		}
		printMap(out, m)
		return nil
	case "delete":
		if err := eng.DeleteMap(cli.Delete.Root); err != nil {
			return err
		}
		fmt.Fprintf(out, "deleted %s\n", cli.Delete.Root)
		return nil
	}
	return fmt.Errorf("unknown command %q", command)
}

func loadConfig(cli *CLI) (*config.Config, error) {
	cfg, err := config.Load(cli.EnvFile...)
	if err != nil {
		return nil, err
	}
	if cli.AppDir != "" {
		cfg.AppDir = cli.AppDir
	}
	if cli.LogLevel != "" {
		cfg.LogLevel = cli.LogLevel
	}
	if cli.Dev {
		cfg.LogDevelopment = true
	}

	d := cli.Download
	if d.Timeout != "" {
		timeout, err := time.ParseDuration(d.Timeout)
		if err != nil {
			return nil, fmt.Errorf("timeout: %w", err)
		}
		cfg.FetchTimeout = timeout
	}
	if d.Rate > 0 {
		cfg.RateLimit = d.Rate
	}
	if d.Proxy != "" {
		cfg.ProxyURL = d.Proxy
	}
	if d.UserAgent != "" {
		cfg.UserAgent = d.UserAgent
	}
	if d.Referer != "" {
		cfg.Referer = d.Referer
	}
	return cfg, cfg.Validate()
}

func runDownload(ctx context.Context, eng *engine.Engine, cli *CLI, out io.Writer) error {
	d := cli.Download
	bound, err := engine.ParseBBox(d.Bbox)
	if err != nil {
		return err
	}
	req := &engine.DownloadRequest{
		Source:      d.Source,
		KeyTemplate: d.KeyTemplate,
		Family:      d.Family,
		Layer:       d.Layer,
		Licensed:    d.Licensed,
		Bound:       bound,
		MinZoom:     d.MinZoom,
		MaxZoom:     d.MaxZoom,
		TileSize:    d.TileSize,
		Workers:     d.Workers,
	}
	job, err := eng.Plan(req)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "downloading %s tiles (%dx%d px) from %s\n",
		humanize.Comma(job.TotalTiles), job.WidthPx, job.HeightPx, d.Source)

	feed := download.NewProgressFeed()
	done := make(chan struct{})
	go func() {
		defer close(done)
		renderProgress(feed, d.NoProgress)
	}()

	outcome, err := eng.Download(ctx, req, feed)
	<-done
	if err != nil {
		return err
	}

	size, _ := dirSize(outcome.DestinationRoot)
	switch {
	case outcome.Cancelled:
		fmt.Fprintf(out, "download cancelled, partial map kept at %s\n", outcome.DestinationRoot)
	case outcome.MissingTileCount > 0:
		fmt.Fprintf(out, "download finished with %s missing tiles\n", humanize.Comma(outcome.MissingTileCount))
	default:
		fmt.Fprintln(out, "download complete")
	}
	fmt.Fprintf(out, "map %s at %s (%s)\n", outcome.Map.ID(), outcome.DestinationRoot, humanize.Bytes(uint64(size)))
	return nil
}

// renderProgress drains feed until it is closed.
func renderProgress(feed *download.ProgressFeed, quiet bool) {
	if quiet {
		for range feed.C() {
		}
		return
	}
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("tiles"),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionClearOnFinish(),
	)
	for p := range feed.C() {
		bar.Set(int(p))
	}
	bar.Finish()
}

func printMap(out io.Writer, m *model.Map) {
	desc := m.Descriptor()
	fmt.Fprintf(out, "%s\t%s\t%s\n", desc.ID, desc.Name, m.Root())
	fmt.Fprintf(out, "  origin %s, %d levels, %dx%d px\n", desc.Origin, len(desc.Levels), desc.Size.Width, desc.Size.Height)
	fmt.Fprintf(out, "  missing tiles: %s\n", humanize.Comma(m.MissingTilesCount()))
	if date := m.LastRepairDate(); date != nil {
		fmt.Fprintf(out, "  last repair: %s\n", humanize.Time(time.UnixMilli(*date)))
	}
	if date := m.LastUpdateDate(); date != nil {
		fmt.Fprintf(out, "  last update: %s\n", humanize.Time(time.UnixMilli(*date)))
	}
	if size := m.SizeInBytes(); size != nil {
		fmt.Fprintf(out, "  size: %s\n", humanize.Bytes(uint64(*size)))
	}
	if m.DownloadPending() {
		fmt.Fprintln(out, "  download pending")
	}
}

func dirSize(root string) (int64, error) {
	var size int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		size += info.Size()
		return nil
	})
	return size, err
}
