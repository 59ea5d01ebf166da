package server

import (
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"

	"github.com/Tyrowin/linechat/internal/protocol"
)

// renderRooms formats the /list reply, one table row per room.
func renderRooms(rooms []RoomInfo) []byte {
	if len(rooms) == 0 {
		return protocol.Notice("No rooms")
	}

	var sb strings.Builder
	table := tablewriter.NewWriter(&sb)
	table.SetHeader([]string{"Room", "Members"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	table.AppendBulk(lo.Map(rooms, func(r RoomInfo, _ int) []string {
		return []string{"#" + r.Name, strconv.Itoa(r.Members)}
	}))
	table.Render()

	return protocol.Lines(sb.String())
}

// renderMembers formats the /who reply.
func renderMembers(room string, members []string) []byte {
	return protocol.Notice("Members of #" + room + ": " + strings.Join(members, ", "))
}
