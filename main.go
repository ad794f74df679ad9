package main

import (
	"os"

	"go.uber.org/zap"

	"github.com/pmkol/qcache/coremain"
	"github.com/pmkol/qcache/mlog"
)

func main() {
	if err := coremain.Run(); err != nil {
		mlog.L().Error("qcache exited", zap.Error(err))
		os.Exit(1)
	}
}
