package cmd

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/juju/errors"

	"github.com/flowgrid/flowgrid/pkg/config"
	"github.com/flowgrid/flowgrid/pkg/flowgrid"
)

// deployCmdHandler couples the deployer of one environment with
// the CLI output rendering.
type deployCmdHandler struct {
	d *flowgrid.Deployer
}

func newDeployCmdHandler(cfg *config.Config, envName, templateBucket string) (*deployCmdHandler, error) {
	h := &deployCmdHandler{}
	d, err := flowgrid.NewDeployer(cfg, envName)
	if err != nil {
		return nil, errors.Annotatef(err, "cannot create deployer for environment '%s'", envName)
	}
	d.SetEventHandler(h.eventHandler)
	if templateBucket != "" {
		d.SetBucket(templateBucket)
	}
	h.d = d
	return h, nil
}

// eventHandler outputs information about updates emitted from
// cloudformation updates.
func (h *deployCmdHandler) eventHandler(event interface{}) {
	newOutput(event).StatusLine().Output(os.Stderr)
}

func (h *deployCmdHandler) list() ([]output, error) {
	list, err := h.d.List()
	if err != nil {
		return nil, errors.Annotatef(err, "cannot list stacks")
	}
	res := make([]output, 0, len(list))
	for _, stack := range list {
		res = append(res, newOutput(stack).Short())
	}
	return res, nil
}

func (h *deployCmdHandler) status(name string) (output, error) {
	stack, err := h.d.Get(name)
	if err != nil {
		return nil, errors.Annotatef(err, "cannot read stack")
	}
	return newOutput(stack), nil
}

func (h *deployCmdHandler) deployStack(name string) (*flowgrid.StackData, error) {
	plan, err := h.d.Plan(name)
	if err != nil {
		return nil, errors.Annotatef(err, "cannot plan stack '%s'", name)
	}
	stack := plan.Stack
	if plan.HasChange {
		newOutput(plan).Output(os.Stderr)
		if err = confirm("apply these changes on", name); err != nil {
			return nil, errors.Annotatef(err, "changes are not approved")
		}
		stack, err = h.d.Execute(name, plan.ID)
		if stack != nil {
			newOutput(stack).Output(os.Stderr)
		}
		if err != nil {
			return nil, errors.Annotatef(err, "execution of stack '%s' failed", name)
		}
	}
	return stack, nil
}

func (h *deployCmdHandler) deploy(name string) (output, error) {
	stack, err := h.deployStack(name)
	if err != nil {
		return nil, errors.Annotatef(err, "deployment of stack '%s' failed", name)
	}
	return newOutput(stack), nil
}

// deployAll deploys every stack of the environment in dependency
// order.
func (h *deployCmdHandler) deployAll() ([]output, error) {
	order := h.d.Order()
	res := make([]output, 0, len(order))
	for _, name := range order {
		stack, err := h.deployStack(name)
		if err != nil {
			return res, errors.Annotatef(err, "deployment of stack '%s' failed", name)
		}
		res = append(res, newOutput(stack).Short())
	}
	return res, nil
}

func (h *deployCmdHandler) plan(name string) (output, error) {
	plan, err := h.d.Plan(name)
	if err != nil {
		return nil, errors.Annotatef(err, "cannot plan stack '%s'", name)
	}
	newOutput(plan).Output(os.Stderr)
	code := 0
	if plan.HasChange {
		code = 2
	}
	return newOutput(plan).Short(), &errorCode{nil, code}
}

func (h *deployCmdHandler) planStatus(name, planID string) (output, error) {
	plan, err := h.d.GetPlan(name, planID)
	if err != nil {
		return nil, errors.Annotatef(err, "cannot get plan '%s', stack '%s'", planID, name)
	}
	newOutput(plan).Output(os.Stderr)
	code := 0
	if plan.HasChange {
		code = 2
	}
	return newOutput(plan).Short(), &errorCode{nil, code}
}

func (h *deployCmdHandler) destroy(name string) (output, error) {
	stackStatus, err := h.status(name)
	if err != nil {
		return nil, errors.Annotatef(err, "cannot get stack '%s'", name)
	}
	stackStatus.Output(os.Stderr)

	if err = confirm("destroy", name); err != nil {
		return nil, errors.Annotatef(err, "changes are not approved")
	}

	stack, err := h.d.Destroy(name)
	if err != nil {
		return nil, errors.Annotatef(err, "cannot destroy stack '%s'", name)
	}

	return newOutput(stack), nil
}

func (h *deployCmdHandler) execute(name, planID string) (output, error) {
	stack, err := h.d.Execute(name, planID)
	if err != nil {
		return nil, errors.Annotatef(err, "cannot execute plan '%s' on stack '%s'", planID, name)
	}
	return newOutput(stack), nil
}

func (h *deployCmdHandler) synth(name string) (string, error) {
	body, err := h.d.Synthesize(name)
	if err != nil {
		return "", errors.Annotatef(err, "cannot synthesize stack '%s'", name)
	}
	return body + "\n", nil
}

func (h *deployCmdHandler) synthAll() (string, error) {
	var buf bytes.Buffer
	for _, name := range h.d.Order() {
		body, err := h.synth(name)
		if err != nil {
			return "", errors.Trace(err)
		}
		fmt.Fprintf(&buf, "# %s\n%s", name, body)
	}
	return buf.String(), nil
}

// graph renders the stacks in dependency order, each with the
// stacks it depends on.
func (h *deployCmdHandler) graph() (string, error) {
	var buf bytes.Buffer
	dep := h.d.Deployment()
	for i, def := range dep.Stacks {
		deps := make([]string, 0, len(def.DependsOn))
		for _, r := range def.DependsOn {
			deps = append(deps, string(r))
		}
		fmt.Fprintf(&buf, "%d. %s (%s)", i+1, def.Role, def.Name)
		if len(deps) > 0 {
			fmt.Fprintf(&buf, " <- %s", strings.Join(deps, ", "))
		}
		fmt.Fprintln(&buf)
	}
	return buf.String(), nil
}

// confirm interactively approves a mutating action on a stack.
// Auto-approve bypasses the prompt; without the input flag the
// action is rejected outright.
func confirm(action, name string) error {
	if configFlags.autoApprove {
		return nil
	}
	if !configFlags.input {
		return errors.Errorf("cannot %s stack '%s', neither auto-approve nor input flags are set", action, name)
	}
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Fprintf(os.Stderr, "\n%s", color.RedString("%s stack '%s'? [yes/no]: ", action, name))
		line, err := reader.ReadString('\n')
		if err != nil {
			return errors.Annotatef(err, "cannot read from stdin")
		}
		switch strings.TrimSpace(line) {
		case "yes", "y":
			return nil
		case "no", "n":
			return errors.Errorf("%s of stack '%s' not confirmed", action, name)
		}
	}
}
