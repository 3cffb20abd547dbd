// Copyright 2021-2022 The mqadmin Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/mqadmin/apis"
	"github.com/alwitt/mqadmin/common"
	"github.com/alwitt/mqadmin/control"
	"github.com/alwitt/mqadmin/core"
	"github.com/alwitt/mqadmin/files"
	"github.com/alwitt/mqadmin/management"
	"github.com/alwitt/mqadmin/metrics"
	"github.com/alwitt/mqadmin/monitor"
	"github.com/alwitt/mqadmin/schema"
	"github.com/alwitt/mqadmin/storage"
	"github.com/apex/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunAdminServer run the admin server
func RunAdminServer(
	runtimeContext context.Context,
	config common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "admin",
		"instance":  instance,
	}

	// -------------------------------------------------------------------
	// Durable state

	kv, err := storage.GetKeyValueStore(runtimeContext, config.Storage, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to define %s KV store", config.Storage.Driver,
		)
		return err
	}
	defer func() {
		if err := kv.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("KV store close failed")
		}
	}()

	fileStores, err := files.GetFileStores(config.Files)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to define %s file stores", config.Files.Driver,
		)
		return err
	}

	registry, err := monitor.GetRegistry(runtimeContext, kv, config.Monitor, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define runtime status registry")
		return err
	}

	collector, err := metrics.NewCollector(registry.Counts)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define metrics")
		return err
	}

	// -------------------------------------------------------------------
	// Broker bridge

	var publisher core.CommandPublisher
	if natsClient != nil {
		publisher = core.GetNATSCommandPublisher(*natsClient)
		listener := core.GetEventListener(registry)
		if err := listener.Subscribe(runtimeContext, *natsClient); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to subscribe to broker events")
			return err
		}
		defer func() {
			if err := listener.Stop(); err != nil {
				log.WithError(err).WithFields(logTags).Error("Event listener stop failed")
			}
		}()
	} else {
		log.WithFields(logTags).Warn("No broker bridge configured, broker commands are only logged")
		publisher = core.GetLoggingCommandPublisher()
	}

	// -------------------------------------------------------------------
	// Configuration engine

	schemas := schema.DefaultRegistry()
	live, err := management.GetLiveState(
		runtimeContext, publisher, config.Control.TaskBuffer, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define live state tracker")
		return err
	}
	engine, err := management.GetEngine(
		runtimeContext,
		management.GetObjectStore(kv, schemas),
		schema.NewValidator(schemas),
		management.GetKeystore(fileStores),
		live,
		registry,
		collector,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define configuration engine")
		return err
	}
	if err := engine.Initialize(runtimeContext); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to load stored configuration")
		return err
	}

	controlSvc, err := control.GetService(
		runtimeContext, registry, publisher, collector, config.Control, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection control")
		return err
	}

	httpHandler, err := apis.GetAPIRestAdminHandler(
		engine, controlSvc, registry, collector, &config.HTTPSetting,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := apis.BuildAdminRouter(httpHandler, config.Endpoints, collector.Handler())

	serverListen := fmt.Sprintf(
		"%s:%d", config.HTTPSetting.Server.ListenOn, config.HTTPSetting.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(config.HTTPSetting.Server.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(config.HTTPSetting.Server.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(config.HTTPSetting.Server.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runtimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
