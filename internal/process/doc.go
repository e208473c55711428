// Package process supervises child processes spawned by device modules.
//
// Commands are launched into their own process groups with stdio connected
// to the null device and tracked under caller-chosen names. Stopping is a
// graceful-then-forced escalation: polite signal to the group, bounded
// liveness poll, SIGKILL. Liveness checks use a signal-0 probe and never
// disturb the target.
//
// Example usage:
//
//	sup := process.NewSupervisor()
//	sup.SetLogger(logger)
//
//	_, err := sup.Start("viewer", "ndi-viewer --source 'CAM 1'", process.StartOptions{
//	    Env: []string{"NDI_RUNTIME_DIR=/opt/ndi"},
//	})
//	if err != nil {
//	    return err
//	}
//	defer sup.StopAll()
//
//	sup.Stop("viewer", process.StopOptions{Grace: 2 * time.Second})
package process
