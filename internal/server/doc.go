// Package server は、キャプチャエンジンをHTTPで公開するサーバーを提供します。
//
// このパッケージは、HTTPサーバーの起動、ルーティング、
// デバイス一覧・ストリーミング・コントロール操作のAPIを担当します。
//
// 責務:
//   - HTTPサーバーの起動と管理
//   - デバイス一覧とフォーマット情報のJSON配信
//   - MJPEGストリーミングとスナップショットの配信
//   - カメラコントロールの取得と設定
//
// 仕様:
//   - ルーティングにgin-gonic/ginを使用
//   - グレースフルシャットダウンに対応
//   - 複数クライアントの同時接続をサポート
package server
