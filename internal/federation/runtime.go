package federation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	batch "github.com/hanpama/brokerql/internal/batch"
	executor "github.com/hanpama/brokerql/internal/executor"
	language "github.com/hanpama/brokerql/internal/language"
	link "github.com/hanpama/brokerql/internal/link"
)

// runtime resolves federated operations: root fields are delegated to their
// owning backends, linked fields call actions and every other field reads
// the delegated response.
type runtime struct {
	snap *Snapshot
}

func (r *runtime) ResolveSync(_ context.Context, info *executor.ResolveInfo, source any, _ map[string]any) (any, error) {
	switch src := source.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if v, ok := src[info.ResponseName]; ok {
			return v, nil
		}
		return src[info.FieldName], nil
	}
	return nil, fmt.Errorf("cannot read %s.%s from %T", info.ObjectType, info.FieldName, source)
}

// BatchResolveAsync runs one depth: a delegated operation per backend, one
// loader wave per batched action and the other linked resolvers,
// concurrently. Mutation fields run one after another.
func (r *runtime) BatchResolveAsync(ctx context.Context, tasks []executor.AsyncResolveTask) []executor.AsyncResolveResult {
	out := make([]executor.AsyncResolveResult, len(tasks))
	var jobs []func()

	var (
		groups  = map[string][]int{}
		owners  []string
		linked  = map[*linkedField][]int{}
		linkOrd []*linkedField
		loads   = map[*batch.Loader][]int{}
		loadOrd []*batch.Loader
		serial  [][]int
		last    string
	)
	loaders := batch.FromContext(ctx)
	for i, t := range tasks {
		if lf := r.snap.link(t.ObjectType, t.Field); lf != nil {
			// Fields sharing a batched action share its wave.
			if loader := lf.loader(loaders); loader != nil {
				if _, ok := loads[loader]; !ok {
					loadOrd = append(loadOrd, loader)
				}
				loads[loader] = append(loads[loader], i)
				continue
			}
			if _, ok := linked[lf]; !ok {
				linkOrd = append(linkOrd, lf)
			}
			linked[lf] = append(linked[lf], i)
			continue
		}
		owner, ok := r.snap.Owner(t.ObjectType, t.Field)
		if !ok || t.Source != nil {
			out[i].Error = fmt.Errorf("no service resolves %s.%s", t.ObjectType, t.Field)
			continue
		}
		if t.Info.Operation.Operation == language.Mutation {
			// Consecutive fields of one backend share a delegated operation.
			if owner == last && len(serial) > 0 {
				serial[len(serial)-1] = append(serial[len(serial)-1], i)
			} else {
				serial = append(serial, []int{i})
			}
			last = owner
			continue
		}
		if _, ok := groups[owner]; !ok {
			owners = append(owners, owner)
		}
		groups[owner] = append(groups[owner], i)
	}

	for _, owner := range owners {
		idx := groups[owner]
		jobs = append(jobs, func() { r.delegate(ctx, owner, tasks, idx, out) })
	}
	if len(serial) > 0 {
		jobs = append(jobs, func() {
			for _, idx := range serial {
				owner, _ := r.snap.Owner(tasks[idx[0]].ObjectType, tasks[idx[0]].Field)
				r.delegate(ctx, owner, tasks, idx, out)
			}
		})
	}
	for _, loader := range loadOrd {
		idx := loads[loader]
		jobs = append(jobs, func() { r.loadLinked(ctx, loader, tasks, idx, out) })
	}
	for _, lf := range linkOrd {
		idx := linked[lf]
		jobs = append(jobs, func() { r.resolveLinked(ctx, lf, tasks, idx, out) })
	}

	if len(jobs) == 1 {
		jobs[0]()
		return out
	}
	var g errgroup.Group
	for _, job := range jobs {
		g.Go(func() error { job(); return nil })
	}
	_ = g.Wait()
	return out
}

// delegate sends the root fields idx to owner as one operation.
func (r *runtime) delegate(ctx context.Context, owner string, tasks []executor.AsyncResolveTask, idx []int, out []executor.AsyncResolveResult) {
	exec := r.snap.backends[owner]
	if exec == nil {
		for _, i := range idx {
			out[i].Error = fmt.Errorf("service %s is not available", owner)
		}
		return
	}
	group := make([]executor.AsyncResolveTask, len(idx))
	for j, i := range idx {
		group[j] = tasks[i]
	}
	doc, variables := r.snap.delegation(group)
	res, err := exec.Execute(ctx, link.Operation{
		OperationName: doc.Operations[0].Name,
		Query:         doc,
		Variables:     variables,
	})
	if err != nil {
		for _, i := range idx {
			out[i].Error = err
		}
		return
	}

	rs := requestStateFrom(ctx)
	var pathless []string
	for _, e := range res.Errors {
		if len(e.Path) == 0 {
			pathless = append(pathless, e.Message)
			continue
		}
		rs.add(backendError(e))
	}
	if res.Data == nil && len(pathless) > 0 {
		err := errors.New(strings.Join(pathless, "; "))
		for _, i := range idx {
			out[i].Error = err
		}
		return
	}
	for _, msg := range pathless {
		rs.add(executor.GraphQLError{Message: msg, Path: executor.Path{tasks[idx[0]].Info.ResponseName}})
	}
	for _, i := range idx {
		out[i].Value = res.Data[tasks[i].Info.ResponseName]
	}
}

// resolveLinked calls the action behind lf once for every task. A parent
// without the first root param resolves to null without a call.
func (r *runtime) resolveLinked(ctx context.Context, lf *linkedField, tasks []executor.AsyncResolveTask, idx []int, out []executor.AsyncResolveResult) {
	var g errgroup.Group
	for _, i := range idx {
		if len(lf.spec.RootParams) > 0 && keyValue(tasks[i].Source, lf.spec.RootParams[0].Field) == nil {
			continue
		}
		g.Go(func() error {
			t := tasks[i]
			params := make(map[string]any, len(lf.spec.Params)+len(t.Args)+len(lf.spec.RootParams))
			for k, v := range lf.spec.Params {
				params[k] = v
			}
			for k, v := range t.Args {
				params[k] = v
			}
			for _, rp := range lf.spec.RootParams {
				params[rp.Param] = keyValue(t.Source, rp.Field)
			}
			v, err := r.snap.caller.Call(ctx, lf.action, params)
			if err == nil {
				v, err = batch.Normalize(v)
			}
			out[i] = executor.AsyncResolveResult{Value: v, Error: err}
			return nil
		})
	}
	_ = g.Wait()
}

// loadLinked resolves the tasks of every field batched through loader with
// one wave. Each task's key is read with its own field's first root param.
func (r *runtime) loadLinked(ctx context.Context, loader *batch.Loader, tasks []executor.AsyncResolveTask, idx []int, out []executor.AsyncResolveResult) {
	keys := make([]any, 0, len(idx))
	pos := make([]int, 0, len(idx))
	for _, i := range idx {
		lf := r.snap.link(tasks[i].ObjectType, tasks[i].Field)
		key := keyValue(tasks[i].Source, lf.spec.RootParams[0].Field)
		if key == nil {
			continue
		}
		keys = append(keys, key)
		pos = append(pos, i)
	}
	if len(keys) == 0 {
		return
	}
	for j, res := range loader.LoadMany(ctx, keys) {
		out[pos[j]] = executor.AsyncResolveResult{Value: res.Value, Error: res.Err}
	}
}

func (r *runtime) ResolveType(_ context.Context, abstractType string, value any) (string, error) {
	if m, ok := value.(map[string]any); ok {
		if name, ok := m["__typename"].(string); ok && name != "" {
			return name, nil
		}
	}
	if t := r.snap.Schema.Types[abstractType]; t != nil && len(t.PossibleTypes) == 1 {
		return t.PossibleTypes[0], nil
	}
	return "", fmt.Errorf("cannot resolve the concrete type of %s", abstractType)
}

func (r *runtime) ResolveUnionConcreteValue(_ context.Context, _ string, value any) (any, error) {
	return value, nil
}

func (r *runtime) ResolveInterfaceConcreteValue(_ context.Context, _ string, value any) (any, error) {
	return value, nil
}

func (r *runtime) SerializeLeafValue(_ context.Context, typeName string, value any) (any, error) {
	return executor.SerializeScalar(typeName, value)
}
