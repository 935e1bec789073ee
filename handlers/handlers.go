// Package handlers implements the request handlers: LeveragedFundsHandler,
// LlmQueryHandler, and EarningsPlotHandler. Each is uniform over
// Message -> Message with a capability set of {DataframeCache, ObjectStore,
// ComputeBridge, Config}, registered by id range in the router rather than
// by name lookup.
package handlers

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"encore.app/computebridge"
	"encore.app/dataframe"
	"encore.app/internal/apperr"
	"encore.app/internal/config"
	"encore.app/internal/wire"
)

// Handler maps a Message to a Message. On any error it returns the error
// alongside a Message with error fields set so the Dispatcher can still
// publish and cache it.
type Handler interface {
	Handle(ctx context.Context, msg wire.Message) (wire.Message, error)
}

// DataframeCache is the subset of dataframe.Cache handlers depend on.
type DataframeCache interface {
	Get(ctx context.Context, assetID string) (*dataframe.Table, error)
	GetEarnings(ctx context.Context, code string) (*dataframe.Table, error)
	SaveToStore(ctx context.Context, table *dataframe.Table, key string) (string, error)
}

// ObjectStore is the subset of objectstore.Store handlers depend on.
type ObjectStore interface {
	UploadFile(ctx context.Context, bucket, key, localPath string) error
}

// ComputeBridge is the subset of computebridge.Bridge handlers depend on.
type ComputeBridge interface {
	Run(ctx context.Context, req computebridge.Request) (computebridge.Response, error)
}

// Deps is the capability set every handler is constructed with.
type Deps struct {
	Dataframe DataframeCache
	Objects   ObjectStore
	Bridge    ComputeBridge
	Config    config.AppConfig
}

// newMessageID generates a runtime-facing message id distinct from the
// fingerprint key: the compute runtime's request id identifies one call,
// the key identifies the job.
func newMessageID() string {
	return uuid.New().String()
}

// artifactFor builds the Artifact a handler attaches after uploading a
// rendered PNG.
func artifactFor(cfg config.AppConfig, key string) wire.Artifact {
	filename := key + ".png"
	return wire.Artifact{
		BucketName: cfg.ArtifactBucket,
		KeyName:    cfg.ArtifactBucket + filename,
		SignedURL:  cfg.ArtifactURLPrefix + filename,
	}
}

func fail(msg wire.Message, kind apperr.Kind, human string, err error) (wire.Message, error) {
	msg.SetError(human)
	wrapped := apperr.Wrap(kind, human, err)
	return msg, wrapped
}

// failCompute marks msg failed with the runtime's exception, carrying the
// full traceback verbatim in the exception message and as structured lines
// on the error.
func failCompute(msg wire.Message, err error) (wire.Message, error) {
	var cf *computebridge.Failure
	if !errors.As(err, &cf) {
		return fail(msg, apperr.ComputeFailed, "compute bridge run failed", err)
	}
	msg.SetError(cf.Flatten())
	return msg, apperr.Wrap(apperr.ComputeFailed, cf.Message, err).WithTrace(cf.Trace)
}

func joinArgs(args []string, sep string) string {
	return strings.Join(args, sep)
}
