/*
Copyright 2011 Google Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"
	"net/http"
	"os/exec"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Open-Workshop/open-workshop-storage/internal/config"
	"github.com/Open-Workshop/open-workshop-storage/pkg/archive"
	"github.com/Open-Workshop/open-workshop-storage/pkg/auth"
	"github.com/Open-Workshop/open-workshop-storage/pkg/images"
	"github.com/Open-Workshop/open-workshop-storage/pkg/jobs"
	"github.com/Open-Workshop/open-workshop-storage/pkg/legacy"
	"github.com/Open-Workshop/open-workshop-storage/pkg/transfer"
	"github.com/Open-Workshop/open-workshop-storage/pkg/webserver"
)

var (
	flagAddr   string
	flagRoot   string
	flagConfig string
)

func init() {
	serveCmd.Flags().StringVar(&flagAddr, "addr", "", "listen address, overrides STORAGE_ADDR")
	serveCmd.Flags().StringVar(&flagRoot, "root", "", "storage root directory, overrides STORAGE_ROOT")
	serveCmd.Flags().StringVar(&flagConfig, "config", "", "optional JSON config file overlaid on the environment-derived config")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the transfer pipeline HTTP/WS server",
	RunE:  runServe,
}

// runServe wires the process: config -> registry/archiver/encoder/auth ->
// engine -> API -> routes -> listen. Mirrors how warren's serve command
// builds its manager/scheduler/worker graph before handing it to cobra's
// RunE, one constructor call per component in dependency order.
func runServe(cmd *cobra.Command, args []string) error {
	configureLogging(cmd)

	cfg := config.Load()
	if flagConfig != "" {
		if err := cfg.ApplyFile(flagConfig); err != nil {
			return fmt.Errorf("load config file %s: %w", flagConfig, err)
		}
	}
	if flagAddr != "" {
		cfg.Addr = flagAddr
	}
	if flagRoot != "" {
		cfg.Root = flagRoot
	}

	if _, err := exec.LookPath(cfg.ArchiverBin); err != nil {
		log.Fatal().Err(err).Str("bin", cfg.ArchiverBin).Msg("archiver binary not found in PATH")
	}
	if _, err := exec.LookPath(cfg.WebpBin); err != nil {
		log.Warn().Err(err).Str("bin", cfg.WebpBin).Msg("webp encoder binary not found in PATH; image transfers will fail")
	}

	reg := jobs.NewRegistry(cfg.Root)
	archiver := archive.NewTool(cfg.ArchiverBin)
	webp := images.NewEncoder(cfg.WebpBin, 82)
	codec := auth.NewTokenCodec(cfg.JWTSecret, cfg.CallbackTTL)
	static := auth.NewStaticTokens(cfg.StaticTokenHashes)

	var dispatcher *transfer.Dispatcher
	if cfg.ManagerCallbackURL != "" {
		dispatcher = transfer.NewDispatcher(codec, cfg.ManagerCallbackURL)
	} else {
		log.Warn().Msg("no manager callback URL configured; job completion will not be reported")
	}

	engine := transfer.NewEngine(cfg.Root, reg, archiver, webp, dispatcher, cfg.ReadIdleTimeout)
	api := transfer.NewAPI(engine, codec, static, cfg.AllowedTypes, cfg.MaxBytes)
	legacyAPI := legacy.NewAPI(cfg.Root, static, cfg.AllowedTypes)

	srv := webserver.New()
	srv.Handle("/transfer/start", webserver.CORS(http.HandlerFunc(api.Start)))
	srv.Handle("/transfer/upload", webserver.CORS(http.HandlerFunc(api.Upload)))
	srv.Handle("/transfer/ws/", http.HandlerFunc(api.WS))
	srv.Handle("/transfer/repack", webserver.CORS(http.HandlerFunc(api.Repack)))
	srv.Handle("/transfer/move", webserver.CORS(http.HandlerFunc(api.Move)))
	srv.Handle("/download/", http.HandlerFunc(legacyAPI.Download))
	srv.Handle("/upload", webserver.CORS(http.HandlerFunc(legacyAPI.Upload)))
	srv.Handle("/delete", webserver.CORS(http.HandlerFunc(legacyAPI.Delete)))

	if err := srv.Listen(cfg.Addr); err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}
	log.Info().Str("addr", srv.ListenURL()).Str("root", cfg.Root).Msg("storage service listening")
	srv.Serve()
	return nil
}
