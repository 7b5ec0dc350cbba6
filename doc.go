// Package harel is a statechart interpreter: a runtime for hierarchical,
// parallel finite-state machines with extended state (context), guarded
// transitions, entry/exit actions, delayed events, activities, history
// states, and invoked child machines.
//
// The package splits the problem in two. Machine provides the pure
// transition function: given a State and an Event it deterministically
// computes the next State together with the ordered list of actions to
// perform, without any I/O. Interpreter drives a Machine over time: it
// owns the event queues, run-to-completion processing, delayed event
// scheduling through a Clock, activity lifecycles, and listener
// notification.
//
// A minimal machine:
//
//	machine, err := harel.NewMachine(&harel.MachineConfig{
//		ID:      "toggle",
//		Initial: "inactive",
//		States: []*harel.NodeConfig{
//			{Key: "inactive", On: []harel.EventConfig{harel.On("TOGGLE", harel.To("active"))}},
//			{Key: "active", On: []harel.EventConfig{harel.On("TOGGLE", harel.To("inactive"))}},
//		},
//	}, nil)
//
//	interp := harel.Interpret(machine)
//	interp.OnTransition(func(s *harel.State, e harel.Event) {
//		fmt.Println(s.Value)
//	})
//	interp.Start()
//	interp.Send("TOGGLE")
package harel
