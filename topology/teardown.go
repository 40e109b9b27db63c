package topology

import (
	"context"

	"github.com/pushkin/deployer/api"
	"github.com/pushkin/deployer/graph"
)

// slots names the task whose teardown also removes recorded resources the
// current project layout no longer owns, such as a deleted worker's
// service.
var slots = map[api.Kind]string{
	api.KindCertificate:    TaskCertificate,
	api.KindVPC:            TaskVPC,
	api.KindSubnets:        TaskSubnets,
	api.KindSecurityGroup:  TaskVPC,
	api.KindDatabase:       TaskMainDB,
	api.KindBroker:         TaskBroker,
	api.KindLogGroup:       TaskLogGroup,
	api.KindRole:           TaskExecutionRole,
	api.KindRepository:     RepositoryTask(APIService),
	api.KindTaskDefinition: TaskDefinitionTask(APIService),
	api.KindCluster:        TaskCluster,
	api.KindTargetGroup:    TaskTargetGroup,
	api.KindLoadBalancer:   TaskLoadBalancer,
	api.KindListener:       TaskHTTPListener,
	api.KindService:        ServiceTask(APIService),
	api.KindBucket:         TaskBucket,
	api.KindDistribution:   TaskDistribution,
	api.KindHostedZone:     TaskDNS,
	api.KindRecordSet:      TaskDNS,
}

// Teardown returns the mirror image of the init graph for p: every edge
// reversed and every task replaced by the removal of what it owns. Records
// in desc that no task owns are removed alongside the task owning their
// kind.
func (b *Builder) Teardown(p Project, desc api.Descriptor) (*graph.Graph, error) {
	pl, err := b.plan(p, modeInit)
	if err != nil {
		return nil, err
	}

	owned := make(map[api.Ref]bool)
	for _, refs := range pl.owned {
		for _, r := range refs {
			owned[r] = true
		}
	}
	for _, rec := range desc.Records() {
		r := rec.Ref()
		if owned[r] {
			continue
		}
		slot, ok := slots[r.Kind]
		if !ok {
			b.Logger.Warn().Str("resource", r.String()).Msg("no teardown slot for recorded resource")
			continue
		}
		pl.owned[slot] = append([]api.Ref{r}, pl.owned[slot]...)
		owned[r] = true
	}

	return pl.g.Reverse(func(t graph.Task) graph.TaskFunc {
		refs := pl.owned[t.ID]
		if len(refs) == 0 {
			return nil
		}
		return func(ctx context.Context, _ graph.Inputs) ([]api.ResourceRecord, error) {
			for _, r := range refs {
				if err := b.Resources.Remove(ctx, r.Kind, r.Name); err != nil {
					return nil, err
				}
				b.Logger.Info().Str("task", t.ID).Str("resource", r.String()).Msg("removed")
			}
			return nil, nil
		}
	})
}
