package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/piex/transcode"
	"github.com/zhukovaskychina/xmysql-relay/server/capture"
	"github.com/zhukovaskychina/xmysql-relay/server/mysql"
	"github.com/zhukovaskychina/xmysql-relay/server/protocol"
)

// relay-replay 离线回放一个抓包会话,重新走一遍结果集跟踪,
// 用来核对线上那条会话到底拿回了什么。
func main() {
	var (
		dir     string
		limit   int
		charset string
		verbose bool
	)
	flag.StringVar(&dir, "dir", "", "抓包会话目录")
	flag.IntVar(&limit, "limit", 0, "最多回放的记录数,0不限制")
	flag.StringVar(&charset, "charset", "utf8", "命令预览的字符集,utf8或gbk")
	flag.BoolVar(&verbose, "v", false, "逐条打印命令记录")
	flag.Parse()

	if dir == "" {
		fmt.Fprintln(os.Stderr, "usage: relay-replay -dir capture/relay-1 [-limit N] [-charset gbk] [-v]")
		os.Exit(1)
	}

	reader, err := capture.Open(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open capture: %v\n", err)
		os.Exit(1)
	}
	defer reader.Close()

	m := reader.Manifest()
	records := 0
	for _, seg := range m.Segments {
		records += seg.Records
	}
	fmt.Printf("session %s, codec %s, %d sealed records, started %s\n",
		m.Session, m.Codec, records, m.StartedAt.Format("2006-01-02 15:04:05"))

	count := 0
	resultSets := 0
	tracker := protocol.NewResultSetTracker(func(s *protocol.ResultSetSummary) {
		resultSets++
		printSummary(resultSets, s)
	})

	for {
		record, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "record %d: %v\n", count, err)
			os.Exit(1)
		}
		count++
		switch record.Direction {
		case capture.DirCommand:
			if verbose {
				fmt.Printf("%s >> %s\n", record.Time.Format("15:04:05.000"), commandPreview(record.Payload, charset))
			}
			tracker.OnCommand(record.Payload)
		case capture.DirResponse:
			tracker.OnResponse(record.Payload)
		default:
			fmt.Fprintf(os.Stderr, "record %d has unknown direction 0x%02x\n", count, record.Direction)
		}
		if limit > 0 && count >= limit {
			break
		}
	}

	fmt.Printf("replayed %d records, %d result sets\n", count, resultSets)
}

// commandPreview 把命令载荷转成可读的一行,老客户端的GBK语句也能看
func commandPreview(payload []byte, charset string) string {
	if len(payload) == 0 {
		return "<empty>"
	}
	name := mysql.ComName(payload[0])
	body := payload[1:]
	if len(body) == 0 {
		return name
	}

	var text string
	if strings.EqualFold(charset, "gbk") {
		text = transcode.FromByteArray(body).Decode("GBK").ToString()
	} else {
		text = string(body)
	}
	text = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return ' '
		}
		return r
	}, text)
	if len(text) > 120 {
		text = text[:120] + "..."
	}
	return name + " " + text
}

func printSummary(index int, s *protocol.ResultSetSummary) {
	switch {
	case s.ErrorCode != 0:
		fmt.Printf("#%d %s -> ERR %d (%s)\n", index, mysql.ComName(s.Command), s.ErrorCode, s.ErrorMessage)
	case len(s.Types) == 0 && s.Rows == 0 && s.DecodeErr == nil:
		fmt.Printf("#%d %s -> OK affected:%d insert-id:%d status:0x%04x\n",
			index, mysql.ComName(s.Command), s.AffectedRows, s.InsertID, s.Status)
	default:
		fmt.Printf("#%d %s -> %d columns [%s], %d rows, null-cells:%d value-bytes:%d",
			index, mysql.ComName(s.Command), len(s.Columns), strings.Join(s.Columns, ","),
			s.Rows, s.NullCells, s.ValueBytes)
		if s.DecodeErr != nil {
			fmt.Printf(", decode-err: %v", s.DecodeErr)
		}
		fmt.Println()
	}
}
