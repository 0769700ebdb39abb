package signal

import (
	"github.com/dkeye/callroom/internal/core"
)

func (ctl *SignalWSController) handleWhoAmI(sid core.SessionID, conn *WsSignalConn) {
	ctl.send(conn, core.EventWhoAmI, "", ctl.Orch.WhoAmI(sid))
}
