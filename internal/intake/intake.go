// Package intake implements the deployment request validation and
// document construction described in spec §4.7: AMI/application
// agreement, configuration lookup, standard task list construction,
// and the initial document write.
//
// Grounded on release.go's request-to-job construction in the teacher
// repository: a thin service that turns an inbound request into a
// persisted record before any work begins.
package intake

import (
	"context"
	"strings"
	"time"

	"github.com/fluxcd/asg-orchestrator/guid"
	"github.com/fluxcd/asg-orchestrator/internal/api"
	"github.com/fluxcd/asg-orchestrator/internal/deploystore"
	"github.com/fluxcd/asg-orchestrator/internal/depmodel"
)

// ConfigLookup resolves the configuration-service data a deployment
// needs at intake time (spec §1: the config/properties services are
// out of scope, this is the seam a real client would sit behind).
type ConfigLookup interface {
	Lookup(ctx context.Context, application, environment string) (hash string, parameters depmodel.Parameters, err error)
}

// Service implements api.IntakeService.
type Service struct {
	Store  deploystore.Store
	Config ConfigLookup
}

var _ api.IntakeService = (*Service)(nil)

// Intake validates req, resolves configuration, and persists a fresh,
// unstarted deployment document.
func (s *Service) Intake(ctx context.Context, req api.DeployRequest) (*depmodel.Deployment, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	if err := checkImageMatch(req.AMI, req.Application); err != nil {
		return nil, err
	}

	hash, params, err := s.Config.Lookup(ctx, req.Application, req.Environment)
	if err != nil {
		return nil, depmodel.NewError(depmodel.KindValidation, "configuration lookup failed", err)
	}

	id := depmodel.ID(guid.New())
	dep := &depmodel.Deployment{
		ID:          id,
		Application: req.Application,
		Environment: req.Environment,
		Region:      req.Region,
		AMI:         req.AMI,
		User:        req.User,
		Message:     req.Message,
		Parameters:  params,
		Tasks:       depmodel.NewStandardTaskList(func(i int) string { return string(id) + "-" + string(depmodel.StandardTaskOrder[i]) }),
		Created:     time.Now(),
		ConfigHash:  hash,
	}

	if err := s.Store.Upsert(ctx, dep); err != nil {
		return nil, err
	}
	return dep, nil
}

func validate(req api.DeployRequest) error {
	missing := []string{}
	if req.Application == "" {
		missing = append(missing, "application")
	}
	if req.Environment == "" {
		missing = append(missing, "environment")
	}
	if req.Region == "" {
		missing = append(missing, "region")
	}
	if req.AMI == "" {
		missing = append(missing, "ami")
	}
	if len(missing) > 0 {
		return depmodel.NewError(depmodel.KindValidation, "missing required field(s): "+strings.Join(missing, ", "), nil)
	}
	return nil
}

// checkImageMatch enforces spec §4.7's AMI/application agreement:
// the AMI name's leading, hyphen-delimited segment must equal the
// requested application.
func checkImageMatch(ami, application string) error {
	segment := ami
	if i := strings.IndexByte(ami, '-'); i >= 0 {
		segment = ami[:i]
	}
	if segment != application {
		return depmodel.NewError(depmodel.KindImageMismatch,
			"ami "+ami+" does not belong to application "+application, nil)
	}
	return nil
}
