package main

import (
	"fmt"
	"sort"

	"github.com/spf13/viper"
)

// Reads config_template.yaml and writes tso_<i>.yaml for every replica of the
// HA group plus a tsoclient.yaml pointing at the first one.
func main() {
	viperRead := viper.New()

	viperRead.SetConfigName("config_template")
	viperRead.AddConfigPath(".")
	if err := viperRead.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %s", err))
	}

	replicas := viperRead.GetStringMap("replicas")
	if len(replicas) == 0 {
		panic("no replicas in the config template")
	}
	names := make([]string, 0, len(replicas))
	for name := range replicas {
		names = append(names, name)
	}
	sort.Strings(names)

	zkServers := viperRead.GetStringSlice("zk_servers")
	leaseMode := "none"
	if len(names) > 1 {
		if len(zkServers) == 0 {
			panic("zk_servers is required for more than one replica")
		}
		leaseMode = "zk"
	}

	basePort := viperRead.GetInt("port")
	baseMetricsPort := viperRead.GetInt("metrics_port")

	for i, name := range names {
		host, ok := replicas[name].(string)
		if !ok {
			panic("replicas in the config template cannot be decoded correctly")
		}

		viperWrite := viper.New()
		viperWrite.SetConfigFile(fmt.Sprintf("tso_%d.yaml", i))

		viperWrite.Set("host", host)
		viperWrite.Set("port", basePort+i)
		viperWrite.Set("data_dir", fmt.Sprintf("%s/%s", viperRead.GetString("data_dir"), name))
		viperWrite.Set("lease_mode", leaseMode)
		viperWrite.Set("zk_servers", zkServers)
		viperWrite.Set("zk_lease_path", viperRead.GetString("zk_lease_path"))
		viperWrite.Set("lease_period_ms", viperRead.GetInt("lease_period_ms"))
		if baseMetricsPort > 0 {
			viperWrite.Set("metrics_port", baseMetricsPort+i)
		}

		for _, key := range []string{
			"batch_size_per_writer",
			"num_concurrent_writers",
			"batch_pool_size",
			"batch_persist_timeout_ms",
			"conflict_map_size",
			"timestamp_batch",
		} {
			if viperRead.IsSet(key) {
				viperWrite.Set(key, viperRead.Get(key))
			}
		}

		if err := viperWrite.WriteConfig(); err != nil {
			panic(err)
		}
	}

	first := replicas[names[0]].(string)
	viperClient := viper.New()
	viperClient.SetConfigFile("tsoclient.yaml")
	viperClient.Set("tso_host", first)
	viperClient.Set("tso_port", basePort)
	viperClient.Set("request_timeout_ms", viperRead.GetInt("request_timeout_ms"))
	viperClient.Set("request_max_retries", viperRead.GetInt("request_max_retries"))
	viperClient.Set("retry_delay_ms", viperRead.GetInt("retry_delay_ms"))
	viperClient.Set("connect_timeout_ms", viperRead.GetInt("connect_timeout_ms"))
	if err := viperClient.WriteConfig(); err != nil {
		panic(err)
	}
}
