package util

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/querynest/querynest/lib/cache"
	"github.com/querynest/querynest/lib/config"
	"github.com/querynest/querynest/lib/conn"
	"github.com/querynest/querynest/lib/manager"
	"github.com/querynest/querynest/lib/scanner"
	"github.com/querynest/querynest/lib/semantics"
	"github.com/querynest/querynest/lib/storage"
)

// App bundles the wired components of a running server or one-shot command.
type App struct {
	Conns     *conn.MongoManager
	Store     storage.MetadataStorage
	Semantics semantics.Storage
	Manager   *manager.Manager
}

// Bootstrap connects all configured instances and wires storage, scanner,
// cache and manager together.
func Bootstrap(ctx context.Context, conf *config.Config, log *zap.Logger) (*App, error) {
	conns := conn.NewMongoManager(log)
	for name, uri := range conf.Instances {
		if err := conns.Connect(ctx, name, uri); err != nil {
			conns.Close(ctx)
			return nil, err
		}
	}

	var store storage.MetadataStorage
	switch conf.StorageType {
	case config.StorageTypeMongo:
		store = storage.NewMongoStorage(conns, log)
	case config.StorageTypeFile:
		fileStore, err := storage.NewFileStorage(conf.MetadataDir, log)
		if err != nil {
			conns.Close(ctx)
			return nil, err
		}
		store = fileStore
	default:
		conns.Close(ctx)
		return nil, fmt.Errorf("invalid storage type: %s", conf.StorageType)
	}

	sem, err := semantics.NewLocalStorage(conf.SemanticsDir, log)
	if err != nil {
		conns.Close(ctx)
		return nil, err
	}

	sc := scanner.New(conns, scanner.Config{
		SampleSize:       conf.SampleSize,
		OpTimeout:        conf.OpTimeout,
		FullScanInterval: conf.FullScanInterval,
	}, log)

	return &App{
		Conns:     conns,
		Store:     store,
		Semantics: sem,
		Manager:   manager.New(conns, sc, store, cache.NewMultiLevel(log), log),
	}, nil
}

// Close releases every resource the app holds.
func (a *App) Close(ctx context.Context) {
	_ = a.Store.Close(ctx)
	a.Conns.Close(ctx)
}
