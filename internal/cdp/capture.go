package cdp

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/protocol/network"

	"subrefresh/pkg/traffic"
)

// startCapture 订阅网络事件；五条事件流经 cdp.Sync 保序后在同一协程中消费
func (d *Driver) startCapture(ctx context.Context) error {
	c := d.client
	sent, err := c.Network.RequestWillBeSent(ctx)
	if err != nil {
		return fmt.Errorf("cdp: subscribe requestWillBeSent: %w", err)
	}
	recv, err := c.Network.ResponseReceived(ctx)
	if err != nil {
		sent.Close()
		return fmt.Errorf("cdp: subscribe responseReceived: %w", err)
	}
	done, err := c.Network.LoadingFinished(ctx)
	if err != nil {
		sent.Close()
		recv.Close()
		return fmt.Errorf("cdp: subscribe loadingFinished: %w", err)
	}
	failed, err := c.Network.LoadingFailed(ctx)
	if err != nil {
		sent.Close()
		recv.Close()
		done.Close()
		return fmt.Errorf("cdp: subscribe loadingFailed: %w", err)
	}
	extra, err := c.Network.RequestWillBeSentExtraInfo(ctx)
	if err != nil {
		sent.Close()
		recv.Close()
		done.Close()
		failed.Close()
		return fmt.Errorf("cdp: subscribe requestWillBeSentExtraInfo: %w", err)
	}
	if err := cdp.Sync(sent, extra, recv, done, failed); err != nil {
		sent.Close()
		extra.Close()
		recv.Close()
		done.Close()
		failed.Close()
		return fmt.Errorf("cdp: sync event streams: %w", err)
	}

	d.wg.Add(1)
	go d.consume(d.ctx, c, sent, extra, recv, done, failed)
	return nil
}

// consume 按到达顺序组装网络交换，加载完成后读取响应体并写入存储
func (d *Driver) consume(
	ctx context.Context,
	c *cdp.Client,
	sent network.RequestWillBeSentClient,
	extra network.RequestWillBeSentExtraInfoClient,
	recv network.ResponseReceivedClient,
	done network.LoadingFinishedClient,
	failed network.LoadingFailedClient,
) {
	defer d.wg.Done()
	defer sent.Close()
	defer extra.Close()
	defer recv.Close()
	defer done.Close()
	defer failed.Close()

	pending := make(map[network.RequestID]*traffic.NetworkExchange)
	// early 先于 requestWillBeSent 到达的实际请求头
	early := make(map[network.RequestID]*network.RequestWillBeSentExtraInfoReply)
	d.log.Info("开始消费网络事件流")
	for {
		select {
		case <-ctx.Done():
			return
		case <-sent.Ready():
			ev, err := sent.Recv()
			if err != nil {
				d.streamClosed(err)
				return
			}
			ex := FromRequest(ev)
			if info, ok := early[ev.RequestID]; ok {
				ApplyExtraInfo(&ex, info)
				delete(early, ev.RequestID)
			}
			pending[ev.RequestID] = &ex
		case <-extra.Ready():
			ev, err := extra.Recv()
			if err != nil {
				d.streamClosed(err)
				return
			}
			if ex, ok := pending[ev.RequestID]; ok {
				ApplyExtraInfo(ex, ev)
			} else {
				early[ev.RequestID] = ev
			}
		case <-recv.Ready():
			ev, err := recv.Recv()
			if err != nil {
				d.streamClosed(err)
				return
			}
			if ex, ok := pending[ev.RequestID]; ok {
				ApplyResponse(ex, ev)
			}
		case <-done.Ready():
			ev, err := done.Recv()
			if err != nil {
				d.streamClosed(err)
				return
			}
			delete(early, ev.RequestID)
			ex, ok := pending[ev.RequestID]
			if !ok {
				continue
			}
			delete(pending, ev.RequestID)
			if !ex.IsXHR() {
				d.store.Append(*ex)
				continue
			}
			d.wg.Add(1)
			go d.finish(ctx, c, ev.RequestID, *ex)
		case <-failed.Ready():
			ev, err := failed.Recv()
			if err != nil {
				d.streamClosed(err)
				return
			}
			delete(pending, ev.RequestID)
			delete(early, ev.RequestID)
		}
	}
}

// finish 读取 XHR/Fetch 的响应体后写入存储
func (d *Driver) finish(ctx context.Context, c *cdp.Client, id network.RequestID, ex traffic.NetworkExchange) {
	defer d.wg.Done()
	bctx, cancel := context.WithTimeout(ctx, d.bodyTimeout)
	defer cancel()

	reply, err := c.Network.GetResponseBody(bctx, network.NewGetResponseBodyArgs(id))
	if err != nil {
		d.log.Debug("读取响应体失败", "url", ex.URL, "error", err)
	} else {
		ex.ResponseBody = DecodeBody(reply.Body, reply.Base64Encoded)
	}
	d.store.Append(ex)
}

func (d *Driver) streamClosed(err error) {
	d.mu.Lock()
	active := d.client != nil
	d.mu.Unlock()
	if active {
		d.log.Err(err, "网络事件流中断")
	}
}

// FromRequest 将请求事件转换为待完成的网络交换
func FromRequest(ev *network.RequestWillBeSentReply) traffic.NetworkExchange {
	ex := traffic.NewExchange(ev.Request.URL, ev.Request.Method, 0)
	ex.ID = string(ev.RequestID)
	if ev.Type != "" {
		ex.ResourceType = string(ev.Type)
	}
	ex.RequestHeaders = ToHeader(ev.Request.Headers)
	if ev.Request.PostData != nil {
		ex.RequestBody = *ev.Request.PostData
	}
	return ex
}

// ApplyExtraInfo 合并浏览器实际发送的请求头 (含 Cookie)，同名头以实际发送值为准
func ApplyExtraInfo(ex *traffic.NetworkExchange, ev *network.RequestWillBeSentExtraInfoReply) {
	if ex.RequestHeaders == nil {
		ex.RequestHeaders = traffic.Header{}
	}
	for k, v := range ToHeader(ev.Headers) {
		ex.RequestHeaders[k] = v
	}
}

// ApplyResponse 将响应事件合并进网络交换
func ApplyResponse(ex *traffic.NetworkExchange, ev *network.ResponseReceivedReply) {
	ex.Status = ev.Response.Status
	ex.ResponseHeaders = ToHeader(ev.Response.Headers)
	if ex.ResourceType == "" {
		ex.ResourceType = string(ev.Type)
	}
	ex.CapturedAt = time.Now()
}

// DecodeBody 处理 base64 编码的响应体
func DecodeBody(body string, encoded bool) string {
	if !encoded {
		return body
	}
	out, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return body
	}
	return string(out)
}
