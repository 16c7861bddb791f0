// Command supervisor is the process-supervisor CLI: a master process
// that keeps a set of configured tasks running through a privileged
// worker process it spawns and talks to over a control-plane socket.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zeropid/procsuper/internal/bootstrap"
	"github.com/zeropid/procsuper/internal/config"
	"github.com/zeropid/procsuper/internal/logging"
	"github.com/zeropid/procsuper/internal/masterclient"
	"github.com/zeropid/procsuper/internal/privilege"
	"github.com/zeropid/procsuper/internal/proto"
	"github.com/zeropid/procsuper/internal/slaveproc"
	"github.com/zeropid/procsuper/internal/supervisortask"
)

// forcePID1Env makes a forked worker run its engine in PID-1 mode
// without literally being PID 1. In that mode the engine does not
// register itself as a child subreaper (see slaveproc.New); reaping
// itself is the same in both modes.
const forcePID1Env = "PROCSUPER_FORCE_PID1"

func main() {
	// Worker mode: we were re-exec'd by Spawn with the slave end of the
	// command socket inherited. This never goes through cobra — the
	// worker takes no flags of its own.
	if os.Getenv(proto.BootstrapFDEnv) != "" {
		os.Exit(runWorker())
	}

	rootCmd := &cobra.Command{
		Use:   "supervisor",
		Short: "Keep a set of tasks running through a privileged worker process",
		RunE:  runMaster,
	}
	rootCmd.Flags().StringArray("task", nil, `task spec: name=program[:arg1,arg2,...][;user=USER][;restart=true]`)
	rootCmd.Flags().String("pidfile", "", "path to a pidfile locked for the lifetime of the master process")
	rootCmd.Flags().Bool("pid1", false, "run the forked worker's engine in PID-1 mode although it isn't PID 1 (it does not register as a child subreaper)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runWorker is the re-exec'd worker process started by startWorker's
// forked path (bootstrap.Spawn): it was never PID 1 itself (if this
// binary genuinely were PID 1, startWorker would have run the engine
// in-place instead of forking it), so it registers as a child subreaper
// unless forcePID1Env puts its engine in PID-1 mode. It returns the process exit code rather than calling
// os.Exit directly so deferred cleanup runs.
func runWorker() int {
	log := logging.New("slave")
	defer log.Sync()

	conn, err := bootstrap.Accept()
	if err != nil {
		log.Error("accept command socket", zap.Error(err))
		return 1
	}

	pid1 := os.Getenv(forcePID1Env) == "1"
	eng, err := slaveproc.New(log, conn, pid1, privilege.OSResolver{})
	if err != nil {
		log.Error("engine init failed", zap.Error(err))
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Run(ctx); err != nil {
		log.Warn("engine exited with error", zap.Error(err))
		return 1
	}
	return 0
}

// startWorker brings up the slave half of the control-plane protocol,
// either in-place (this process is itself PID 1, mirroring the
// original's getpid()==1 branch: no second process to fork, this
// binary already is the reaper of last resort) or by spawning a
// separate worker process and exec'ing into the same binary. It
// returns the master end of the command socket and a wait function the
// caller invokes once to block until the slave side has fully stopped.
func startWorker(pid1Override bool) (*net.UnixConn, func() error, error) {
	if os.Getpid() == 1 {
		masterConn, slaveConn, err := bootstrap.InProcess()
		if err != nil {
			return nil, nil, fmt.Errorf("supervisor: create in-place command socket: %w", err)
		}

		slaveLog := logging.New("slave")
		eng, err := slaveproc.New(slaveLog, slaveConn, true, privilege.OSResolver{})
		if err != nil {
			masterConn.Close()
			slaveConn.Close()
			return nil, nil, fmt.Errorf("supervisor: init in-place slave engine: %w", err)
		}

		engCtx, engCancel := context.WithCancel(context.Background())
		engDone := make(chan error, 1)
		go func() { engDone <- eng.Run(engCtx) }()

		wait := func() error {
			engCancel()
			return <-engDone
		}
		return masterConn, wait, nil
	}

	self, err := os.Executable()
	if err != nil {
		return nil, nil, fmt.Errorf("supervisor: resolve own executable path: %w", err)
	}

	var workerEnv []string
	if pid1Override {
		workerEnv = append(workerEnv, forcePID1Env+"=1")
	}

	workerCmd, conn, err := bootstrap.Spawn(self, nil, workerEnv)
	if err != nil {
		return nil, nil, fmt.Errorf("supervisor: spawn worker: %w", err)
	}
	return conn, workerCmd.Wait, nil
}

func runMaster(cmd *cobra.Command, _ []string) error {
	log := logging.New("master")
	defer log.Sync()

	rawTasks, _ := cmd.Flags().GetStringArray("task")
	pidfilePath, _ := cmd.Flags().GetString("pidfile")
	pid1Override, _ := cmd.Flags().GetBool("pid1")

	specs, err := config.ParseAll(rawTasks)
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		return fmt.Errorf("supervisor: at least one --task is required")
	}

	if pidfilePath != "" {
		lock := flock.New(pidfilePath)
		locked, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("supervisor: lock pidfile %s: %w", pidfilePath, err)
		}
		if !locked {
			return fmt.Errorf("supervisor: pidfile %s is already locked by another instance", pidfilePath)
		}
		defer lock.Unlock()
		if err := os.WriteFile(pidfilePath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
			return fmt.Errorf("supervisor: write pidfile: %w", err)
		}
		defer os.Remove(pidfilePath)
	}

	conn, waitWorker, err := startWorker(pid1Override)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mc := masterclient.New(log, conn, func(info proto.SigInfo) {
		log.Info("worker received signal", zap.Int32("signal", info.Signo))
		if info.Signo == int32(syscall.SIGTERM) {
			cancel()
		}
	})

	sup := supervisortask.New(log, mc)
	for _, spec := range specs {
		sup.AddTask(spec)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		cancel()
	}()

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- sup.Run(ctx) }()

	go func() {
		select {
		case <-sup.Ready():
			if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
				log.Warn("systemd readiness notification failed", zap.Error(err))
			}
		case <-ctx.Done():
		}
	}()

	err = <-runErrCh

	if qerr := mc.Quit(); qerr != nil {
		log.Warn("failed to send QUIT to worker", zap.Error(qerr))
	}
	mc.Close()
	_ = waitWorker()

	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}
