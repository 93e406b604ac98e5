// Command stage-demo drives a scripted create/transact/commit/sync
// scenario against a single stage, connected to a minimal peer over an
// in-process transport pipe that does nothing but answer handshake/ack
// topics. A second user ("bob") sharing the same stage and blob store
// stands in for a remote peer's independently-evolved copy of the same
// repository, so the demo can show an incoming commit aborting a staged
// transaction. It does not drive a conflict between diverged heads.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"stage/backend/config"
	"stage/backend/evalfn"
	"stage/backend/logging"
	"stage/backend/metaalgebra"
	"stage/backend/model"
	"stage/backend/stage"
	"stage/backend/store"
	"stage/backend/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet("stage-demo", flag.ExitOnError)
	cfg := config.Default()
	cfg.BindFlags(fs)
	debugAddr := fs.String("debug-addr", "", "if set, serve the log-level debug page on this address")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logging.New("stage-demo", cfg.LogLevel)

	if *debugAddr != "" {
		srv := &http.Server{Addr: *debugAddr, Handler: logging.DebugHandler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn("debug server stopped", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	pipe := transport.NewPipe(16)
	s := stage.CreateStage("alice", peer.ID("alice-peer"), pipe.A, store.New(), evalfn.Default(), evalfn.Identity("demo"), cfg.Stage, log)
	defer s.Close()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go echoPeer(runCtx, pipe.B)
	go s.Run(runCtx)

	repoID, err := s.CreateRepo(ctx, []byte(`{"counter":0}`), "master")
	if err != nil {
		return fmt.Errorf("create_repo: %w", err)
	}
	fmt.Printf("alice created repo %s\n", repoID)

	bv, err := s.Transact(ctx, repoID, "master", "merge", []byte(`{"note":"staged but not committed"}`))
	if err != nil {
		return fmt.Errorf("transact: %w", err)
	}
	fmt.Printf("alice staged a transaction, branch value now %s\n", bv.Value)

	bv, err = s.Commit(ctx, repoID, "master")
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	fmt.Printf("alice committed, branch value now %s\n", bv.Value)

	entry, ok := s.State.Get("alice", repoID)
	if !ok {
		return fmt.Errorf("repo %q vanished after commit", repoID)
	}
	if err := s.State.InstallRepo("bob", repoID, stage.NewRepoEntry(metaalgebra.Fork(entry.Meta)), entry.Meta.BranchNames()); err != nil {
		return fmt.Errorf("install bob's fork: %w", err)
	}

	if _, err := s.Transact(ctx, repoID, "master", "set-field", []byte(`{"field":"pending","value":true}`)); err != nil {
		return fmt.Errorf("stage a transaction to be aborted: %w", err)
	}

	bobEntry, _ := s.State.Get("bob", repoID)
	bobParamID, err := s.Store.Assoc(ctx, []byte(`{"from":"bob"}`))
	if err != nil {
		return fmt.Errorf("store bob's param: %w", err)
	}
	bobMeta, bobCommit, err := metaalgebra.Commit(bobEntry.Meta, "master", []model.TransactionRef{
		{ParamID: bobParamID, TransFnID: model.TransFnID("merge")},
	})
	if err != nil {
		return fmt.Errorf("bob commit: %w", err)
	}
	if err := s.Store.PutCommit(ctx, bobCommit); err != nil {
		return fmt.Errorf("store bob's commit: %w", err)
	}

	s.Loop.HandleMetaPub(ctx, map[string]map[string]model.RepoMeta{"alice": {repoID: bobMeta}})

	final := s.Snapshot()["alice"][repoID]["master"]
	if final.Abort != nil {
		fmt.Printf("bob's concurrent commit aborted alice's staged transaction: new value %s, aborted %d transaction(s)\n",
			final.Abort.NewValue, len(final.Abort.Aborted))
	} else {
		fmt.Printf("branch settled at %s with no abort\n", final.Value)
	}

	time.Sleep(50 * time.Millisecond) // let the last sync acks drain before closing
	return nil
}

// echoPeer answers every handshake/ack topic for a remote that never
// publishes anything of its own, so the demo's single local stage has
// someone to talk to on the other end of the pipe.
func echoPeer(ctx context.Context, ep transport.Endpoint) {
	for {
		msg, err := ep.Recv(ctx)
		if err != nil {
			return
		}
		switch msg.Topic {
		case transport.TopicMetaPub:
			_ = ep.Send(ctx, transport.Message{Topic: transport.TopicMetaPubed, Peer: msg.Peer})
		case transport.TopicConnect:
			_ = ep.Send(ctx, transport.Message{Topic: transport.TopicConnected, URL: msg.URL, Peer: msg.Peer})
		case transport.TopicMetaSub:
			_ = ep.Send(ctx, transport.Message{Topic: transport.TopicMetaSubed, Peer: msg.Peer})
		}
	}
}
