// Command cachectl is a small demonstration and debug harness for the
// buffer/page cache: it loads tunables from an optional ini file, opens
// (or creates) a file-backed mock disk, registers it with the buffer
// cache, and optionally serves /metrics and /stats over HTTP.
//
// Grounded on the teacher's kingpin-and-procfs collector wiring shape
// (talyz-systemd_exporter/systemd/systemd.go, which defines its flags at
// package scope with kingpin.Flag(...)) and on zhukovaskychina-xmysql-server's
// ini.v1-backed Cfg loader (server/conf/config.go).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"

	"github.com/google/uuid"
	"github.com/povilasv/prommod"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/procfs"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"
	"gopkg.in/ini.v1"

	"github.com/labstack/echo/v4"

	"kcache/src/bdev"
	"kcache/src/buffercache"
	"kcache/src/defs"
	"kcache/src/kswapd"
	"kcache/src/mem"
	"kcache/src/oommsg"
	"kcache/src/pagecache"
	"kcache/src/stats"
)

var (
	configPath = kingpin.Flag("config", "Path to an ini file with a [cache] section.").String()
	diskPath   = kingpin.Flag("disk", "Path to a file-backed mock disk image.").Default("cachectl.img").String()
	nrBufs     = kingpin.Flag("nr-bufs", "Buffer descriptor count.").Int()
	nrPages    = kingpin.Flag("nr-pages", "Page descriptor count.").Int()
	serve      = kingpin.Flag("serve", "Serve /metrics and /stats over HTTP.").Bool()
	listenAddr = kingpin.Flag("listen", "Address to serve on.").Default(":8080").String()
)

func loadTunables(log *logrus.Entry) defs.Tunables_t {
	t := defs.DefaultTunables()

	if *configPath != "" {
		cfg, err := ini.Load(*configPath)
		if err != nil {
			log.WithError(err).Fatal("failed to load config file")
		}
		sec := cfg.Section("cache")
		t.NrBufs = sec.Key("nr_bufs").MustInt(t.NrBufs)
		t.NrBufHash = sec.Key("nr_buf_hash").MustInt(t.NrBufHash)
		t.NrPages = sec.Key("nr_pages").MustInt(t.NrPages)
		t.NrPageHash = sec.Key("nr_page_hash").MustInt(t.NrPageHash)
		t.NrBufReclaim = sec.Key("nr_buf_reclaim").MustInt(t.NrBufReclaim)
	} else if fs, err := procfs.NewDefaultFS(); err == nil {
		if mi, err := fs.Meminfo(); err == nil && mi.MemAvailable != nil {
			available := *mi.MemAvailable * 1024
			budget := available / 64 // don't let a demo run hog the host
			if pages := int(budget / uint64(t.PageSize)); pages > 0 && pages < t.NrPages {
				t.NrPages = pages
			}
		}
	}

	if *nrBufs > 0 {
		t.NrBufs = *nrBufs
	}
	if *nrPages > 0 {
		t.NrPages = *nrPages
	}
	return t
}

func main() {
	kingpin.Version("cachectl (kcache demo)")
	kingpin.Parse()

	log := logrus.WithField("cmd", "cachectl")
	t := loadTunables(log)

	devID := defs.Mkdev(int(defs.D_RAWDISK), hash32(uuid.New()))

	disk, err := bdev.OpenFileDisk(*diskPath)
	if err != nil {
		log.WithError(err).Fatal("failed to open disk image")
	}
	defer disk.Close()

	reg := bdev.NewRegistry()
	reg.Register(devID, disk)

	memPool := mem.NewPool(t.NrBufs + t.NrPages)
	st := &stats.Cache_t{}

	bc := buffercache.NewPool(t, memPool, reg, log, st)

	oomCh := oommsg.New()
	pagecache.NewPool(t, 0, memPool, oomCh, log, st)

	reclaimer := kswapd.New(bc, oomCh, log)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	go reclaimer.Run(ctx)

	reg2 := prometheus.NewRegistry()
	reg2.MustRegister(stats.NewCollector(st))
	reg2.MustRegister(prommod.NewCollector("cachectl"))

	log.WithFields(logrus.Fields{
		"nr_bufs":  t.NrBufs,
		"nr_pages": t.NrPages,
		"dev":      devID,
	}).Info("cache pools ready")

	if !*serve {
		<-ctx.Done()
		return
	}

	e := echo.New()
	e.HideBanner = true
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg2, promhttp.HandlerOpts{})))
	e.GET("/stats", func(c echo.Context) error {
		return c.JSON(http.StatusOK, st.Snapshot())
	})

	go func() {
		<-ctx.Done()
		_ = e.Close()
	}()

	if err := e.Start(*listenAddr); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Fatal("http server failed")
	}
}

func hash32(id uuid.UUID) int {
	var h int
	for _, b := range id {
		h = h*31 + int(b)
	}
	if h < 0 {
		h = -h
	}
	return h % 256
}
