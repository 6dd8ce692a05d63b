package utils

import (
	"net"

	"lingzhi-trainer/voice/vad"
)

// Init 初始化本地音频依赖
func Init() error {
	return vad.Init()
}

// GetLocalIP 返回本机第一个非回环的IPv4地址，找不到时返回127.0.0.1
func GetLocalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return "127.0.0.1"
}
