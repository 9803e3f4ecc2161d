package dap

import (
	"context"

	"github.com/google/go-dap"
)

// command is the closed set of requests the adapter serves.
type command int

const (
	cmdInitialize command = iota
	cmdLaunch
	cmdAttach
	cmdSetBreakpoints
	cmdSetFunctionBreakpoints
	cmdSetInstructionBreakpoints
	cmdSetExceptionBreakpoints
	cmdConfigurationDone
	cmdThreads
	cmdContinue
	cmdNext
	cmdStepIn
	cmdStepOut
	cmdPause
	cmdStackTrace
	cmdScopes
	cmdVariables
	cmdSetVariable
	cmdReadMemory
	cmdWriteMemory
	cmdDisassemble
	cmdEvaluate
	cmdTerminate
	cmdDisconnect
	numCommands
)

var commandNames = [numCommands]string{
	cmdInitialize:                "initialize",
	cmdLaunch:                    "launch",
	cmdAttach:                    "attach",
	cmdSetBreakpoints:            "setBreakpoints",
	cmdSetFunctionBreakpoints:    "setFunctionBreakpoints",
	cmdSetInstructionBreakpoints: "setInstructionBreakpoints",
	cmdSetExceptionBreakpoints:   "setExceptionBreakpoints",
	cmdConfigurationDone:         "configurationDone",
	cmdThreads:                   "threads",
	cmdContinue:                  "continue",
	cmdNext:                      "next",
	cmdStepIn:                    "stepIn",
	cmdStepOut:                   "stepOut",
	cmdPause:                     "pause",
	cmdStackTrace:                "stackTrace",
	cmdScopes:                    "scopes",
	cmdVariables:                 "variables",
	cmdSetVariable:               "setVariable",
	cmdReadMemory:                "readMemory",
	cmdWriteMemory:               "writeMemory",
	cmdDisassemble:               "disassemble",
	cmdEvaluate:                  "evaluate",
	cmdTerminate:                 "terminate",
	cmdDisconnect:                "disconnect",
}

func (c command) String() string { return commandNames[c] }

func parseCommand(name string) (command, bool) {
	for c, n := range commandNames {
		if n == name {
			return command(c), true
		}
	}
	return 0, false
}

type stateSet uint16

func states(ss ...state) stateSet {
	var set stateSet
	for _, s := range ss {
		set |= 1 << s
	}
	return set
}

func (set stateSet) has(s state) bool { return set&(1<<s) != 0 }

type handlerFunc func(s *Session, ctx context.Context, req dap.RequestMessage) (dap.ResponseMessage, error)

type handlerSpec struct {
	allowed stateSet
	fn      handlerFunc
}

// handle adapts a handler of one concrete request type.
func handle[T dap.RequestMessage](fn func(s *Session, ctx context.Context, req T) (dap.ResponseMessage, error)) handlerFunc {
	return func(s *Session, ctx context.Context, m dap.RequestMessage) (dap.ResponseMessage, error) {
		req, ok := m.(T)
		if !ok {
			return nil, &MalformedRequestError{Command: m.GetRequest().Command, Err: errUnsupported}
		}
		return fn(s, ctx, req)
	}
}

var (
	setup    = states(stateInitializing, stateConfigured)
	live     = states(stateRunning, stateHalted)
	attached = setup | live
	halted   = states(stateHalted)
)

var handlers [numCommands]handlerSpec

func init() {
	handlers = [numCommands]handlerSpec{
		cmdInitialize:                {states(stateUninitialized), handle((*Session).onInitialize)},
		cmdLaunch:                    {setup, handle((*Session).onLaunch)},
		cmdAttach:                    {setup, handle((*Session).onAttach)},
		cmdSetBreakpoints:            {attached, handle((*Session).onSetBreakpoints)},
		cmdSetFunctionBreakpoints:    {attached, handle((*Session).onSetFunctionBreakpoints)},
		cmdSetInstructionBreakpoints: {attached, handle((*Session).onSetInstructionBreakpoints)},
		cmdSetExceptionBreakpoints:   {attached, handle((*Session).onSetExceptionBreakpoints)},
		cmdConfigurationDone:         {states(stateInitializing), handle((*Session).onConfigurationDone)},
		cmdThreads:                   {attached, handle((*Session).onThreads)},
		cmdContinue:                  {halted, handle((*Session).onContinue)},
		cmdNext:                      {halted, handle((*Session).onNext)},
		cmdStepIn:                    {halted, handle((*Session).onStepIn)},
		cmdStepOut:                   {halted, handle((*Session).onStepOut)},
		cmdPause:                     {live, handle((*Session).onPause)},
		cmdStackTrace:                {halted, handle((*Session).onStackTrace)},
		cmdScopes:                    {halted, handle((*Session).onScopes)},
		cmdVariables:                 {halted, handle((*Session).onVariables)},
		cmdSetVariable:               {halted, handle((*Session).onSetVariable)},
		cmdReadMemory:                {live, handle((*Session).onReadMemory)},
		cmdWriteMemory:               {live, handle((*Session).onWriteMemory)},
		cmdDisassemble:               {live, handle((*Session).onDisassemble)},
		cmdEvaluate:                  {halted, handle((*Session).onEvaluate)},
		cmdTerminate:                 {attached, handle((*Session).onTerminate)},
		cmdDisconnect:                {attached | states(stateTerminated), handle((*Session).onDisconnect)},
	}
}
