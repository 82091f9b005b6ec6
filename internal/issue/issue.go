// SPDX-License-Identifier: MPL-2.0

// Package issue renders user-facing failure cards for the well-known ways a
// sandbox session goes wrong. Each issue pairs a markdown explanation with
// concrete next steps; the CLI renders them with glamour.
package issue

import (
	"github.com/charmbracelet/glamour"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Id identifies a known issue.
type Id int

const (
	ShellStartFailedId Id = iota + 1
	ContainerEngineNotFoundId
	ImagePullFailedId
	SandboxBootTimeoutId
	RuntimeDisconnectedId
	ActionTimedOutId
	ConfigLoadFailedId
	BackendNotAvailableId
)

type (
	// MarkdownMsg is markdown text rendered into the terminal.
	MarkdownMsg string

	// HttpLink points at documentation for an issue.
	HttpLink string

	// Issue is one known failure with guidance attached.
	Issue struct {
		id       Id
		mdMsg    MarkdownMsg
		docLinks []HttpLink
	}
)

// Id returns the issue identifier.
func (i *Issue) Id() Id { return i.id }

// MarkdownMsg returns the raw markdown body.
func (i *Issue) MarkdownMsg() MarkdownMsg { return i.mdMsg }

// DocLinks returns the documentation links.
func (i *Issue) DocLinks() []HttpLink { return slices.Clone(i.docLinks) }

// Render produces the terminal-ready card using the given glamour style.
func (i *Issue) Render(stylePath string) (string, error) {
	md := string(i.mdMsg)
	if len(i.docLinks) > 0 {
		md += "\n\n## See also\n"
		for _, link := range i.docLinks {
			md += "- " + string(link) + "\n"
		}
	}
	return render(md, stylePath)
}

var (
	render = glamour.Render

	shellStartFailedIssue = &Issue{
		id: ShellStartFailedId,
		mdMsg: `
# The sandbox shell failed to start

The interactive bash session behind the sandbox could not be created.

## Things you can try
- Check that ` + "`/bin/bash`" + ` exists inside the sandbox image
- Check that the working directory is writable
- Re-run with ` + "`--verbose`" + ` to see the shell's startup output`,
	}

	containerEngineNotFoundIssue = &Issue{
		id: ContainerEngineNotFoundId,
		mdMsg: `
# No container engine found

The container backend needs Docker or Podman, and neither answered.

## Things you can try
- Check that the engine daemon is running:
~~~
$ docker version
$ podman version
~~~
- Select an engine explicitly in your config:
~~~toml
container_engine = "podman"
~~~
- Use the local backend instead:
~~~
$ agentbox run --backend local ...
~~~`,
	}

	imagePullFailedIssue = &Issue{
		id: ImagePullFailedId,
		mdMsg: `
# Sandbox image pull failed

The configured sandbox image could not be pulled from its registry.

## Things you can try
- Check the image reference in your config (` + "`sandbox.image`" + `)
- Log in to the registry if the image is private
- Pull the image manually to see the full engine error`,
	}

	sandboxBootTimeoutIssue = &Issue{
		id: SandboxBootTimeoutId,
		mdMsg: `
# The sandbox never became ready

The sandbox was provisioned but its execution server did not answer
liveness probes before the deadline.

## Things you can try
- Increase ` + "`sandbox.alive_deadline_seconds`" + ` in your config
- Inspect the sandbox container's logs for startup errors
- Check that the image's entrypoint starts ` + "`agentbox serve`" + ``,
	}

	runtimeDisconnectedIssue = &Issue{
		id: RuntimeDisconnectedId,
		mdMsg: `
# The sandbox disconnected

The sandbox stopped answering mid-session. Its state is lost; a new
sandbox is needed.

## Common causes
- The sandbox container was OOM-killed or evicted
- The sandbox process crashed (check its logs)
- A network partition between you and a remote sandbox`,
	}

	actionTimedOutIssue = &Issue{
		id: ActionTimedOutId,
		mdMsg: `
# The action timed out

The command did not finish within its timeout. The sandbox itself is
still healthy.

## Things you can try
- Re-run with a larger timeout
- Run the command non-blocking and poll for output with an empty command
- Send ` + "`ctrl+c`" + ` to interrupt the still-running command`,
	}

	configLoadFailedIssue = &Issue{
		id: ConfigLoadFailedId,
		mdMsg: `
# Configuration could not be loaded

The config file exists but could not be parsed or validated.

## Things you can try
- Check the TOML syntax of your config file
- Compare against the defaults:
~~~
$ agentbox config show
~~~
- Regenerate a fresh config:
~~~
$ agentbox config init
~~~`,
	}

	backendNotAvailableIssue = &Issue{
		id: BackendNotAvailableId,
		mdMsg: `
# Requested backend is not available

The selected runtime backend is not registered on this host.

## Things you can try
- List what your config enables with ` + "`agentbox config show`" + `
- The container backend needs a working engine; the remote backend needs
  ` + "`sandbox.remote_url`" + ` set`,
	}

	issues = map[Id]*Issue{
		ShellStartFailedId:        shellStartFailedIssue,
		ContainerEngineNotFoundId: containerEngineNotFoundIssue,
		ImagePullFailedId:         imagePullFailedIssue,
		SandboxBootTimeoutId:      sandboxBootTimeoutIssue,
		RuntimeDisconnectedId:     runtimeDisconnectedIssue,
		ActionTimedOutId:          actionTimedOutIssue,
		ConfigLoadFailedId:        configLoadFailedIssue,
		BackendNotAvailableId:     backendNotAvailableIssue,
	}
)

// Get returns the issue for id, or nil when the id is unknown.
func Get(id Id) *Issue {
	return issues[id]
}

// Ids returns all known issue ids in ascending order.
func Ids() []Id {
	ids := maps.Keys(issues)
	slices.Sort(ids)
	return ids
}
