package teardown

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/go-github/v66/github"
	"golang.org/x/xerrors"

	"github.com/labforge/labforge/labd/expstore"
)

// GithubWorkflowOptions configures teardown via a GitHub Actions
// workflow dispatch. The workflow receives the lab name and the student
// username and runs the destroy action for the lab's cloud provider.
type GithubWorkflowOptions struct {
	Token string
	// Repo is the "owner/name" of the repository holding the lab
	// workflows.
	Repo string
	// WorkflowSuffix is appended to the lab's cloud provider to form
	// the workflow file name, e.g. "aws" + "-lab.yaml".
	WorkflowSuffix string
	// Ref is the git ref the workflow runs on. Defaults to "main".
	Ref string
}

type githubWorkflow struct {
	client  *github.Client
	options GithubWorkflowOptions
}

// NewGithubWorkflow returns a Teardown that dispatches a destroy
// workflow for each lab. Dispatching is asynchronous on GitHub's side;
// dispatch acceptance is treated as teardown success, which is safe
// because the workflow itself is idempotent for an already-destroyed
// lab.
func NewGithubWorkflow(options GithubWorkflowOptions) (Teardown, error) {
	owner, repo, ok := strings.Cut(options.Repo, "/")
	if !ok || owner == "" || repo == "" {
		return nil, xerrors.Errorf("repo %q must be in owner/name form", options.Repo)
	}
	if options.Ref == "" {
		options.Ref = "main"
	}
	client := github.NewClient(nil)
	if options.Token != "" {
		client = client.WithAuthToken(options.Token)
	}
	return &githubWorkflow{
		client:  client,
		options: options,
	}, nil
}

func (g *githubWorkflow) Teardown(ctx context.Context, lab expstore.Lab) error {
	owner, repo, _ := strings.Cut(g.options.Repo, "/")
	workflowFile := lab.CloudProvider + g.options.WorkflowSuffix

	res, err := g.client.Actions.CreateWorkflowDispatchEventByFileName(ctx, owner, repo, workflowFile, github.CreateWorkflowDispatchEventRequest{
		Ref: g.options.Ref,
		Inputs: map[string]interface{}{
			"lab":              lab.Name,
			"action":           "destroy",
			"student_username": lab.Username,
		},
	})
	if err != nil {
		return xerrors.Errorf("dispatch workflow %q: %w", workflowFile, err)
	}
	defer res.Body.Close()
	if res.StatusCode >= http.StatusMultipleChoices {
		return xerrors.Errorf("dispatch workflow %q: unexpected status %d", workflowFile, res.StatusCode)
	}
	return nil
}
